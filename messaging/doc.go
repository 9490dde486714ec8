// Package messaging provides the send and receive engines of the connector.
//
// This package implements two flows over a Transport:
//   - BatchSender: Accumulates payloads and delivers them in batches with a bounded, fixed-delay retry
//   - Receiver: Polls for inbound messages in a continuous loop or a single shot and completes or abandons them
//
// Key features:
//   - Payloads are encoded once on submission and rebuilt from their originals before every retry
//   - Success callbacks receive the original payloads, never wire envelopes
//   - A failed batch stays buffered so a later Send or Flush retransmits it
//   - Handler verdicts decide between completion and redelivery
//   - Safe for concurrent use; one batch is in flight at a time
//
// Example usage:
//
//	sender := messaging.NewBatchSender(transport,
//		messaging.WithBatchSize(10),
//		messaging.WithMaxRetries(5),
//	)
//
//	result, err := sender.Send(ctx, reading, messaging.OnSuccess(
//		func(ctx context.Context, payloads []any) error {
//			log.Printf("delivered %d readings", len(payloads))
//			return nil
//		}))
//
//	receiver := messaging.NewReceiver(transport, messaging.WithPollInterval(5*time.Second))
//	loop := receiver.Start(ctx, func(ctx context.Context, payload []byte) bool {
//		return handleCommand(payload) == nil
//	})
//	defer loop.Wait()
//	defer loop.Stop()
package messaging
