// Package contained runs triadic machines over a subnet of peers.
//
// A *program* is a sandboxed Starlark module. Each step, it reads the note
// under the head of a tape and asks the `machine` to transform the current
// triad of the Tonnetz (P, L, R and their compositions), write a note and
// move the head. The machine halts when the triad matches the halting
// condition of the program manifest.
//
// ## How it works
//
// Peers form a *subnet*. Membership is gossiped with
// [`hashicorp/memberlist`][dep-mbl] over a QUIC `Transport`: memberlist
// packets ride on datagrams and its push/pull syncs on streams. Every peer
// advertises its `Role` in the memberlist metadata:
//
// * `RoleFull` peers host a `runtime` and execute dispatches.
// * `RoleLight` peers only submit dispatches, usually from the CLI.
//
// A `Node.Dispatch` is routed by rendezvous hashing of its correlation id and
// program hash over the live full peers, so every peer elects the same
// executor without talking to the others. Requests and results travel as
// `wire.Envelope`s on dedicated streams, each one acknowledged by the
// receiver. When the elected executor leaves, pending dispatches are
// relocated to the next peer of the ranking.
//
// ## Failure model
//
// There is no consensus. Two peers with diverging views of the membership
// may elect different executors, and a partition stalls the dispatches that
// cannot reach their executor until the deadline of the request. Callers
// MUST be ready to handle a `fault.Undeliverable` or a
// `fault.TransportFailure`.
//
// Every peer is authenticated by the ed25519 key of its TLS certificate:
// its `identity.PeerID` is the hex encoded public key.
//
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
package contained
