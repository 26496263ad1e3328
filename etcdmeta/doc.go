/*
Package etcdmeta implements the meta.Service contract against etcd v3:
range reads, bounded transactions, prefix watches, and distributed locks,
plus the reconnecting daemon-watch state machine and transaction-
chunking protocol the contract requires on top of etcd's own per-txn
operation cap.
*/
package etcdmeta
