// Package web3 defines the chain access port used by the contract pipeline:
// read operations (code, balance, call, block), write operations that need a
// signer (send transaction, estimate gas), multi-chain YAML definitions and a
// lightweight ABI-driven contract binding built on go-ethereum.
package web3
