package connectors

import "fmt"

// VenueErrorCodes maps the venue's business error codes to human-readable
// messages, for rejections where the response carries no msg field.
var VenueErrorCodes = map[int]string{
	110001: "ORDER_NOT_EXISTS",                  // Order does not exist
	110003: "ORDER_PRICE_OUT_OF_RANGE",          // Price outside the allowed band
	110004: "WALLET_BALANCE_INSUFFICIENT",       // Wallet balance below order cost
	110005: "POSITION_STATUS_ABNORMAL",          // Position is being liquidated or adjusted
	110007: "AVAILABLE_BALANCE_INSUFFICIENT",    // Not enough free margin
	110009: "TOO_MANY_STOP_ORDERS",              // Stop order cap reached for the symbol
	110010: "ORDER_ALREADY_CANCELLED",           // Cancel raced with an earlier cancel
	110011: "LIQUIDATION_PRICE_VIOLATED",        // Order would cross the liquidation price
	110012: "AVAILABLE_BALANCE_NOT_ENOUGH",      // Free balance below order cost after fees
	110013: "RISK_LIMIT_CANNOT_BE_ADJUSTED",     // Position exists, risk limit locked
	110017: "REDUCE_ONLY_RULE_VIOLATED",         // Reduce-only order would grow the position
	110020: "TOO_MANY_ACTIVE_ORDERS",            // Active order cap reached
	110022: "QUANTITY_TOO_SMALL",                // Below the symbol's minimum order size
	110023: "QUANTITY_TOO_LARGE",                // Above the symbol's maximum order size
	110025: "POSITION_MODE_NOT_MODIFIED",        // Position mode already as requested
	110026: "MARGIN_MODE_NOT_MODIFIED",          // Margin mode already as requested
	110028: "OPEN_ORDERS_BLOCK_MARGIN_SWITCH",   // Cancel open orders before switching margin mode
	110030: "DUPLICATE_CLIENT_ORDER_ID",         // Client order ID already used
	110043: "LEVERAGE_NOT_MODIFIED",             // Leverage already as requested
	110044: "MARGIN_INSUFFICIENT",               // Available margin below required
	110045: "POSITION_NOT_EXISTS",               // No position to close or modify
	110047: "RISK_LIMIT_EXCEEDED",               // Order would exceed the risk limit tier
	110079: "ORDER_PROCESSING",                  // Order is mid-transition, retry the query
}

// VenueErrorMsg returns a readable message for a venue business error code.
func VenueErrorMsg(code int) string {
	if msg, ok := VenueErrorCodes[code]; ok {
		return msg
	}
	return fmt.Sprintf("UNKNOWN_VENUE_ERROR_%d", code)
}

// rejectReason prefers the venue's own message and falls back to the code
// table when the response omitted it.
func rejectReason(code int, msg string) string {
	if msg != "" {
		return msg
	}
	return VenueErrorMsg(code)
}
