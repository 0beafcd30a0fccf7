package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Scope is the already-authenticated tenant context every ledger call runs under.
type Scope struct {
	OrganizationID string `json:"organization_id"`
	BranchID       string `json:"branch_id"`
	UserID         string `json:"user_id"`
}

func (s Scope) Valid() bool {
	return s.OrganizationID != "" && s.BranchID != "" && s.UserID != ""
}

type GSTType string

const (
	GSTNone      GSTType = "NON_GST"
	GSTExclusive GSTType = "EXCLUSIVE"
	GSTInclusive GSTType = "INCLUSIVE"
)

func (g GSTType) Valid() bool {
	switch g {
	case GSTNone, GSTExclusive, GSTInclusive:
		return true
	}
	return false
}

type AdjustmentType string

const (
	AdjustmentPercentageDiscount AdjustmentType = "PERCENTAGE_DISCOUNT"
	AdjustmentFixedDiscount      AdjustmentType = "FIXED_DISCOUNT"
	AdjustmentAdditionalCharge   AdjustmentType = "ADDITIONAL_CHARGE"
)

// Adjustment is the optional invoice-level discount or charge.
type Adjustment struct {
	Type  AdjustmentType  `json:"type"`
	Value decimal.Decimal `json:"value"`
}

type PaymentStatus string

const (
	PaymentPending       PaymentStatus = "PENDING"
	PaymentPartiallyPaid PaymentStatus = "PARTIALLY_PAID"
	PaymentPaid          PaymentStatus = "PAID"
)

type SaleType string

const (
	SalePrescription SaleType = "PRESCRIPTION"
	SaleOTC          SaleType = "OTC"
)

type TaxComponent struct {
	Name string          `json:"name"`
	Rate decimal.Decimal `json:"rate"`
}

type TaxProfile struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Name           string          `json:"name"`
	TotalRate      decimal.Decimal `json:"total_rate"`
	Components     []TaxComponent  `json:"components"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Medicine struct {
	ID                string    `json:"id"`
	OrganizationID    string    `json:"organization_id"`
	BranchID          string    `json:"branch_id"`
	Name              string    `json:"name"`
	GenericName       string    `json:"generic_name,omitempty"`
	HSNCode           string    `json:"hsn_code,omitempty"`
	TaxProfileID      string    `json:"tax_profile_id,omitempty"`
	LowStockThreshold int       `json:"low_stock_threshold"`
	Stock             int       `json:"stock"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type MedicineBatch struct {
	ID                string          `json:"id"`
	MedicineID        string          `json:"medicine_id"`
	BatchNo           string          `json:"batch_no"`
	ExpiryDate        time.Time       `json:"expiry_date"`
	QuantityAvailable int             `json:"quantity_available"`
	UnitCost          decimal.Decimal `json:"unit_cost"`
	MRP               decimal.Decimal `json:"mrp"`
	PurchaseID        string          `json:"purchase_id,omitempty"`
	SalesReturnID     string          `json:"sales_return_id,omitempty"`
	ReceivedAt        time.Time       `json:"received_at"`
}

type Supplier struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Name           string          `json:"name"`
	GSTIN          string          `json:"gstin,omitempty"`
	Phone          string          `json:"phone,omitempty"`
	Balance        decimal.Decimal `json:"balance"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type SupplierPayment struct {
	ID         string          `json:"id"`
	SupplierID string          `json:"supplier_id"`
	PurchaseID string          `json:"purchase_id"`
	Amount     decimal.Decimal `json:"amount"`
	Mode       string          `json:"mode,omitempty"`
	Reference  string          `json:"reference,omitempty"`
	PaidAt     time.Time       `json:"paid_at"`
	RecordedBy string          `json:"recorded_by"`
}

type PurchaseItem struct {
	MedicineID          string          `json:"medicine_id"`
	MedicineName        string          `json:"medicine_name"`
	BatchNo             string          `json:"batch_no"`
	ExpiryDate          time.Time       `json:"expiry_date"`
	HSNCode             string          `json:"hsn_code,omitempty"`
	PackQuantity        int             `json:"pack_quantity"`
	FreePackQuantity    int             `json:"free_pack_quantity"`
	ItemsPerPack        int             `json:"items_per_pack"`
	TotalReceived       int             `json:"total_received"`
	PurchaseCostPerPack decimal.Decimal `json:"purchase_cost_per_pack"`
	MRPPerItem          decimal.Decimal `json:"mrp_per_item"`
	DiscountPercentage  decimal.Decimal `json:"discount_percentage"`
	TaxProfileID        string          `json:"tax_profile_id,omitempty"`
	TaxRate             decimal.Decimal `json:"tax_rate"`
	GrossAmount         decimal.Decimal `json:"gross_amount"`
	DiscountAmount      decimal.Decimal `json:"discount_amount"`
	TaxableAmount       decimal.Decimal `json:"taxable_amount"`
	TaxAmount           decimal.Decimal `json:"tax_amount"`
	LineTotal           decimal.Decimal `json:"line_total"`
	BatchID             string          `json:"batch_id,omitempty"`
	ReturnedQuantity    int             `json:"returned_quantity"`
}

type Purchase struct {
	ID               string          `json:"id"`
	OrganizationID   string          `json:"organization_id"`
	BranchID         string          `json:"branch_id"`
	SupplierID       string          `json:"supplier_id"`
	SupplierName     string          `json:"supplier_name"`
	InvoiceNo        string          `json:"invoice_no"`
	InvoiceDate      time.Time       `json:"invoice_date"`
	GSTType          GSTType         `json:"gst_type"`
	Items            []PurchaseItem  `json:"items"`
	TotalGross       decimal.Decimal `json:"total_gross"`
	TotalDiscount    decimal.Decimal `json:"total_discount"`
	TotalTaxable     decimal.Decimal `json:"total_taxable"`
	TotalTax         decimal.Decimal `json:"total_tax"`
	Adjustment       *Adjustment     `json:"adjustment,omitempty"`
	AdjustmentAmount decimal.Decimal `json:"adjustment_amount"`
	GrandTotal       decimal.Decimal `json:"grand_total"`
	AmountPaid       decimal.Decimal `json:"amount_paid"`
	DueAmount        decimal.Decimal `json:"due_amount"`
	PaymentStatus    PaymentStatus   `json:"payment_status"`
	PaymentMode      string          `json:"payment_mode,omitempty"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	CreatedBy        string          `json:"created_by"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedBy        string          `json:"updated_by,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// BatchAllocation records how much of a sale line was drawn from one batch.
type BatchAllocation struct {
	BatchID          string    `json:"batch_id"`
	BatchNo          string    `json:"batch_no"`
	QuantityTaken    int       `json:"quantity_taken"`
	ExpiryDate       time.Time `json:"expiry_date"`
	ReturnedQuantity int       `json:"returned_quantity,omitempty"`
}

type SaleItem struct {
	MedicineID         string            `json:"medicine_id"`
	MedicineName       string            `json:"medicine_name"`
	Quantity           int               `json:"quantity"`
	MRP                decimal.Decimal   `json:"mrp"`
	DiscountPercentage decimal.Decimal   `json:"discount_percentage"`
	TaxProfileID       string            `json:"tax_profile_id,omitempty"`
	TaxRate            decimal.Decimal   `json:"tax_rate"`
	GrossAmount        decimal.Decimal   `json:"gross_amount"`
	DiscountAmount     decimal.Decimal   `json:"discount_amount"`
	TaxableAmount      decimal.Decimal   `json:"taxable_amount"`
	TaxAmount          decimal.Decimal   `json:"tax_amount"`
	LineTotal          decimal.Decimal   `json:"line_total"`
	Allocations        []BatchAllocation `json:"allocations"`
	ReturnedQuantity   int               `json:"returned_quantity"`
}

func (i SaleItem) AllocatedQuantity() int {
	total := 0
	for _, a := range i.Allocations {
		total += a.QuantityTaken
	}
	return total
}

type Sale struct {
	ID                   string          `json:"id"`
	OrganizationID       string          `json:"organization_id"`
	BranchID             string          `json:"branch_id"`
	Type                 SaleType        `json:"type"`
	SaleDate             time.Time       `json:"sale_date"`
	PatientID            string          `json:"patient_id,omitempty"`
	PatientName          string          `json:"patient_name,omitempty"`
	DoctorName           string          `json:"doctor_name,omitempty"`
	WalkInCustomerName   string          `json:"walk_in_customer_name,omitempty"`
	WalkInCustomerMobile string          `json:"walk_in_customer_mobile,omitempty"`
	GSTType              GSTType         `json:"gst_type"`
	Items                []SaleItem      `json:"items"`
	TotalGross           decimal.Decimal `json:"total_gross"`
	TotalDiscount        decimal.Decimal `json:"total_discount"`
	TotalTaxable         decimal.Decimal `json:"total_taxable"`
	TotalTax             decimal.Decimal `json:"total_tax"`
	Adjustment           *Adjustment     `json:"adjustment,omitempty"`
	AdjustmentAmount     decimal.Decimal `json:"adjustment_amount"`
	GrandTotal           decimal.Decimal `json:"grand_total"`
	PaymentMode          string          `json:"payment_mode,omitempty"`
	PaymentReference     string          `json:"payment_reference,omitempty"`
	CreatedBy            string          `json:"created_by"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedBy            string          `json:"updated_by,omitempty"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

func (s Sale) HasReturns() bool {
	for _, item := range s.Items {
		if item.ReturnedQuantity > 0 {
			return true
		}
	}
	return false
}

type SalesReturnItem struct {
	MedicineID      string          `json:"medicine_id"`
	MedicineName    string          `json:"medicine_name"`
	OriginalBatchNo string          `json:"original_batch_no"`
	NewBatchID      string          `json:"new_batch_id"`
	ReturnQuantity  int             `json:"return_quantity"`
	MRP             decimal.Decimal `json:"mrp"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	TaxableAmount   decimal.Decimal `json:"taxable_amount"`
	TaxAmount       decimal.Decimal `json:"tax_amount"`
	ReturnValue     decimal.Decimal `json:"return_value"`
}

type SalesReturn struct {
	ID                     string            `json:"id"`
	OrganizationID         string            `json:"organization_id"`
	BranchID               string            `json:"branch_id"`
	OriginalSaleID         string            `json:"original_sale_id"`
	ReturnDate             time.Time         `json:"return_date"`
	Reason                 string            `json:"reason,omitempty"`
	Items                  []SalesReturnItem `json:"items"`
	TotalReturnedAmount    decimal.Decimal   `json:"total_returned_amount"`
	OverallDiscountPercent decimal.Decimal   `json:"overall_discount_percentage"`
	OverallDiscountAmount  decimal.Decimal   `json:"overall_discount_amount"`
	NetRefundAmount        decimal.Decimal   `json:"net_refund_amount"`
	CreatedBy              string            `json:"created_by"`
	CreatedAt              time.Time         `json:"created_at"`
}

type PurchaseReturnItem struct {
	MedicineID     string          `json:"medicine_id"`
	MedicineName   string          `json:"medicine_name"`
	BatchID        string          `json:"batch_id"`
	BatchNo        string          `json:"batch_no"`
	ReturnQuantity int             `json:"return_quantity"`
	CostPerUnit    decimal.Decimal `json:"cost_per_unit"`
	ReturnValue    decimal.Decimal `json:"return_value"`
}

type PurchaseReturn struct {
	ID                 string               `json:"id"`
	OrganizationID     string               `json:"organization_id"`
	BranchID           string               `json:"branch_id"`
	OriginalPurchaseID string               `json:"original_purchase_id"`
	SupplierID         string               `json:"supplier_id"`
	ReturnDate         time.Time            `json:"return_date"`
	Reason             string               `json:"reason,omitempty"`
	Items              []PurchaseReturnItem `json:"items"`
	TotalReturnValue   decimal.Decimal      `json:"total_return_value"`
	CreatedBy          string               `json:"created_by"`
	CreatedAt          time.Time            `json:"created_at"`
}

// IdempotencyRecord ties a caller-supplied request key to the entity the
// first request with that key created. It is written in the same transaction
// as the entity.
type IdempotencyRecord struct {
	Key       string    `json:"key"`
	Kind      string    `json:"kind"`
	EntityID  string    `json:"entity_id"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}
