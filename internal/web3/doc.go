// Package web3 defines the wallet contract the fleet moves funds through and
// the chain definitions used to build concrete wallets. The ethereum
// subpackage signs and broadcasts on EVM networks, ledger keeps balances in
// memory for dry runs, and provider assembles wallets per agent.
package web3
