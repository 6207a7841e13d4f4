// Package remote runs shell commands on fleet nodes through the
// OpenSSH client binary. Connections are multiplexed over a persistent
// control channel per node, host-key rotation is absorbed once per
// host, and password auth is supported through sshpass.
package remote
