/*
Package meta defines the metadata-coordination contract shared by every
backing-store implementation: a revision-ordered key-value namespace,
delivered to callers as a snapshot plus an ordered delta stream, mutated
through bounded transactions, and arbitrated across a cluster through
distributed locks.

Nothing in this package talks to a wire protocol. The etcdmeta package
implements the contract against etcd; tests in this package and in
etcdmeta exercise it against an in-memory fake, per the testability goal
the interface was cut along.
*/
package meta
