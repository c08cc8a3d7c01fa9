package policy

import "errors"

// Kind identifies a sensitive operation governed by the policy registry.
type Kind string

// Closed enumeration of governed operation kinds. Stock movements are
// scoped per movement type so a token issued for an outgoing movement can
// never authorize a transfer of the same item.
const (
	KindStatusChange    Kind = "status_change"
	KindAssetAssignment Kind = "asset_assignment"
	KindLeaveApproval   Kind = "leave_approval"
	KindStockIn         Kind = "stock_in"
	KindStockOut        Kind = "stock_out"
	KindStockTransfer   Kind = "stock_transfer"
)

// KindStockMovement is the wire-level kind used by callers for inventory
// movements before the movement type is resolved to a concrete kind.
const KindStockMovement Kind = "stock_movement"

var ErrUnknownKind = errors.New("policy: unknown operation kind")

// NormalizeMovement resolves a stock movement type field to its concrete
// operation kind.
func NormalizeMovement(movementType string) (Kind, bool) {
	switch movementType {
	case "in":
		return KindStockIn, true
	case "out":
		return KindStockOut, true
	case "transfer":
		return KindStockTransfer, true
	default:
		return "", false
	}
}
