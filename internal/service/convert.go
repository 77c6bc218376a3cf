package service

import (
	"math/big"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// normalizeValue converts pgx driver types into plain Go values the rest of
// the pipeline formats consistently.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case pgtype.Numeric:
		if !x.Valid {
			return nil
		}
		if x.NaN {
			return "NaN"
		}
		return decimal.NewFromBigInt(x.Int, x.Exp)
	case *big.Int:
		return decimal.NewFromBigInt(x, 0)
	case [16]byte:
		return uuid.UUID(x).String()
	default:
		return v
	}
}
