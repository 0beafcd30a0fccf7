package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	Purchase       = "PUR"
	Batch          = "BAT"
	Sale           = "SALE"
	SalesReturn    = "SRET"
	PurchaseReturn = "PRET"
	Payment        = "PAY"
	Medicine       = "MED"
	Supplier       = "SUP"
	TaxProfile     = "TAX"
)

// New returns "<prefix>-<unix nanos>-<16 hex chars>".
func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
