// Package cargo and its sub-packages implement the backend services of a logistics platform whose orders, companies
// and incentives live in smart contracts on ethereum-type networks.
/*
cargo provides you with two microservices:

1) a monitor microservice (package monitor) that follows the logistics chain and records in the work ledger every
 hand-off of an order from one company to the next.

2) an API server (package api) that implements a RESTful API for the platform: queries on the pending work of a
 company, the status of the managed accounts and the order map, and the commands that the managed accounts run against
 the service, company, order and token contracts (package dispatch).

Architecture

Both services share a database (package lib/store), implemented for MongoDB and PostgreSQL, plus an in-memory store
used by tests. The monitor writes the work ledger and its checkpoint; the API server reads the ledger and keeps the
managed accounts and the order map.

The monitor validates that the service contract was deployed at the configured genesis block, replays the blocks mined
since its checkpoint and then follows the chain head, rewinding when the chain is reorganised. Hand-offs are decoded
from the events of the service contract (package lib/event) and, when a message broker is configured (package lib/msg),
also published so API servers can log them in real-time.

A blockchain layer (package lib/block) hides the node client. The API server signs transactions with the keys of the
managed accounts, read from keystore files (package lib/keystore), and builds their calldata with the contract ABIs
(package lib/contract). An account runs one command at a time.

The services can also be monitored via a Prometheus API by setting the flag "-m" at startup (package lib/metrics).

Monitor

The monitor can be started running cmd/monitor/main.go with the service contract address (-s) and the block it was
deployed at (-g).

API server

The API server can be started running cmd/apiserver/main.go. Commands are accepted as POST /{command}/{account}; the
reply only tells whether the command was started, its transactions are sent in the background.
*/
package cargo
