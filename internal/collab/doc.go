// Package collab routes messages between named actors and layers blocking approval gates
// on top of them.
//
// # Message Bus
//
// [Bus] delivers point-to-point and broadcast messages, groups them into threads and keeps
// one inbox per actor. Sending to an unseen actor creates its inbox. Every send publishes
// a new_message event.
//
// # Approval Gate
//
// [Gate] turns an approval_request message into an awaitable decision. A request ends in
// exactly one of approved, rejected or timeout and is never reopened. A timed out request
// lets the waiting workflow proceed.
//
//	req, _ := gate.RequestApproval(ctx, "Bob", "Alice", "Design complete. Please review.", nil)
//	ok, _ := gate.WaitForApproval(req.ID, 0)
//
// # Thread Safety
//
// Bus and Gate are safe for concurrent use. WaitForApproval blocks only on the request's
// own channel and never while holding shared state.
package collab
