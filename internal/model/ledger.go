package model

// LedgerRow is a raw transaction row from the ledger source.
type LedgerRow struct {
	Date        string  `json:"date"` // dd-mm-yyyy; empty when unknown
	Particulars string  `json:"particulars"`
	VoucherNo   string  `json:"voucher_no"`
	VoucherType string  `json:"voucher_type"` // raw code, e.g. BP, OP
	Debit       float64 `json:"debit"`
	Credit      float64 `json:"credit"`
	Opening     float64 `json:"opening"`
	Exchange    string  `json:"exchange"` // exchange/segment metadata, e.g. NSE_CASH

	// DefOrderBy is the upstream same-day ordering hint. It is carried but
	// not used for sorting.
	DefOrderBy int `json:"def_order_by,omitempty"`
}

// LedgerEntry is a reconciled ledger line with its running balance.
type LedgerEntry struct {
	Date        string `json:"date"`
	Particulars string `json:"particulars"`
	VoucherNo   string `json:"voucher_no"`
	Debit       Money  `json:"debit"`
	Credit      Money  `json:"credit"`
	Balance     Money  `json:"balance"`
	TransType   string `json:"trans_type"`
	CostCenter  string `json:"cost_center"`
}
