package deal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// termsDocument is the canonical representation of the terms each party
// signs. Field order is fixed by the struct so the hash is stable; any change
// to these fields after submission invalidates collected signatures.
type termsDocument struct {
	DealNumber      string      `json:"deal_number"`
	DealType        Type        `json:"deal_type"`
	PropertyRef     string      `json:"property_ref"`
	AgreedPrice     int64       `json:"agreed_price"`
	CommissionTotal int64       `json:"commission_total"`
	Currency        string      `json:"currency"`
	Recipients      []termShare `json:"recipients"`
}

type termShare struct {
	Role         RecipientRole `json:"role"`
	DisplayName  string        `json:"display_name"`
	SplitPercent int           `json:"split_percent"`
	Amount       int64         `json:"amount"`
}

// TermsHash computes the document hash signing sessions bind to.
func TermsHash(d Deal, recipients []Recipient) string {
	doc := termsDocument{
		DealNumber:      d.DealNumber,
		DealType:        d.DealType,
		PropertyRef:     d.PropertyRef,
		AgreedPrice:     d.AgreedPrice,
		CommissionTotal: d.CommissionTotal,
		Currency:        d.Currency,
	}
	for _, rec := range recipients {
		doc.Recipients = append(doc.Recipients, termShare{
			Role:         rec.Role,
			DisplayName:  rec.DisplayName,
			SplitPercent: rec.SplitPercent,
			Amount:       rec.Amount,
		})
	}

	b, err := json.Marshal(doc)
	if err != nil {
		// Marshalling a value type without cycles cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}
