package storage

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Key schema:
//
//	acc:{party}                         → Account (balance + holdings)
//	ins:{instrumentID}                  → Instrument
//	ord:{hex(party)}:{orderID}          → Order
//	oid:{orderID}                       → OrderRef (owner lookup for cancel)
//	txn:{hex(party)}:{ts}:{txnID}       → Transaction
//	trade:{instrumentID}:{ts}:{tradeID} → Trade
//	treasury                            → Treasury accumulator
//	recon:{ts}:{id}                     → ReconciliationFailure
//
// Timestamps are zero-padded unix nanos (20 digits) so prefix scans come back in time order.
// Party ids are opaque and may contain ':', so party segments are hex encoded.
const (
	prefixAccount    = "acc:"
	prefixInstrument = "ins:"
	prefixOrder      = "ord:"
	prefixOrderIndex = "oid:"
	prefixTxn        = "txn:"
	prefixTrade      = "trade:"
	prefixRecon      = "recon:"
	keyTreasury      = "treasury"
)

func AccountKey(party string) []byte {
	return []byte(prefixAccount + party)
}

func AccountPrefix() []byte { return []byte(prefixAccount) }

func InstrumentKey(id string) []byte {
	return []byte(prefixInstrument + id)
}

func InstrumentPrefix() []byte { return []byte(prefixInstrument) }

func partySegment(party string) string {
	return hex.EncodeToString([]byte(party))
}

// OrderKey returns "ord:{hex(party)}:{orderID}".
func OrderKey(party, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOrder, partySegment(party), orderID))
}

// OrderPrefix returns the prefix covering every order of one party.
func OrderPrefix(party string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrder, partySegment(party)))
}

// AllOrdersPrefix covers every order of every party; used on recovery.
func AllOrdersPrefix() []byte { return []byte(prefixOrder) }

func OrderIndexKey(orderID string) []byte {
	return []byte(prefixOrderIndex + orderID)
}

func TxnKey(party string, at time.Time, txnID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixTxn, partySegment(party), at.UnixNano(), txnID))
}

func TxnPrefix(party string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTxn, partySegment(party)))
}

func TradeKey(instrumentID string, at time.Time, tradeID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixTrade, instrumentID, at.UnixNano(), tradeID))
}

func TradePrefix(instrumentID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, instrumentID))
}

func TreasuryKey() []byte { return []byte(keyTreasury) }

func ReconKey(at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixRecon, at.UnixNano(), id))
}

func ReconPrefix() []byte { return []byte(prefixRecon) }

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
