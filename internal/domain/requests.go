package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TaxProfileCreateRequest struct {
	Name       string          `json:"name"`
	TotalRate  decimal.Decimal `json:"total_rate"`
	Components []TaxComponent  `json:"components"`
}

type MedicineCreateRequest struct {
	Name              string `json:"name"`
	GenericName       string `json:"generic_name"`
	HSNCode           string `json:"hsn_code"`
	TaxProfileID      string `json:"tax_profile_id"`
	LowStockThreshold int    `json:"low_stock_threshold"`
}

type SupplierCreateRequest struct {
	Name  string `json:"name"`
	GSTIN string `json:"gstin"`
	Phone string `json:"phone"`
}

type PurchaseItemRequest struct {
	MedicineID          string          `json:"medicine_id"`
	BatchNo             string          `json:"batch_no"`
	ExpiryDate          time.Time       `json:"expiry_date"`
	PackQuantity        int             `json:"pack_quantity"`
	FreePackQuantity    int             `json:"free_pack_quantity"`
	ItemsPerPack        int             `json:"items_per_pack"`
	PurchaseCostPerPack decimal.Decimal `json:"purchase_cost_per_pack"`
	MRPPerItem          decimal.Decimal `json:"mrp_per_item"`
	DiscountPercentage  decimal.Decimal `json:"discount_percentage"`
	TaxProfileID        string          `json:"tax_profile_id"`
}

type PurchaseRequest struct {
	IdempotencyKey   string                `json:"idempotency_key,omitempty"`
	SupplierID       string                `json:"supplier_id"`
	InvoiceNo        string                `json:"invoice_no"`
	InvoiceDate      time.Time             `json:"invoice_date"`
	GSTType          GSTType               `json:"gst_type"`
	Items            []PurchaseItemRequest `json:"items"`
	Adjustment       *Adjustment           `json:"adjustment,omitempty"`
	AmountPaid       decimal.Decimal       `json:"amount_paid"`
	PaymentMode      string                `json:"payment_mode"`
	PaymentReference string                `json:"payment_reference"`
}

type SupplierPaymentRequest struct {
	PurchaseID string          `json:"purchase_id"`
	Amount     decimal.Decimal `json:"amount"`
	Mode       string          `json:"mode"`
	Reference  string          `json:"reference"`
	PaidAt     time.Time       `json:"paid_at"`
}

type SaleItemRequest struct {
	MedicineID         string          `json:"medicine_id"`
	Quantity           int             `json:"quantity"`
	MRP                decimal.Decimal `json:"mrp"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	TaxProfileID       string          `json:"tax_profile_id"`
}

type SaleRequest struct {
	IdempotencyKey       string            `json:"idempotency_key,omitempty"`
	Type                 SaleType          `json:"type"`
	SaleDate             time.Time         `json:"sale_date"`
	PatientID            string            `json:"patient_id"`
	PatientName          string            `json:"patient_name"`
	DoctorName           string            `json:"doctor_name"`
	WalkInCustomerName   string            `json:"walk_in_customer_name"`
	WalkInCustomerMobile string            `json:"walk_in_customer_mobile"`
	GSTType              GSTType           `json:"gst_type"`
	Items                []SaleItemRequest `json:"items"`
	Adjustment           *Adjustment       `json:"adjustment,omitempty"`
	PaymentMode          string            `json:"payment_mode"`
	PaymentReference     string            `json:"payment_reference"`
}

type SalesReturnItemRequest struct {
	MedicineID     string `json:"medicine_id"`
	BatchNo        string `json:"batch_no"`
	ReturnQuantity int    `json:"return_quantity"`
}

type SalesReturnRequest struct {
	IdempotencyKey            string                   `json:"idempotency_key,omitempty"`
	OriginalSaleID            string                   `json:"original_sale_id"`
	ReturnDate                time.Time                `json:"return_date"`
	Reason                    string                   `json:"reason"`
	OverallDiscountPercentage decimal.Decimal          `json:"overall_discount_percentage"`
	Items                     []SalesReturnItemRequest `json:"items"`
}

type PurchaseReturnItemRequest struct {
	MedicineID     string `json:"medicine_id"`
	BatchNo        string `json:"batch_no"`
	ReturnQuantity int    `json:"return_quantity"`
}

type PurchaseReturnRequest struct {
	IdempotencyKey     string                      `json:"idempotency_key,omitempty"`
	OriginalPurchaseID string                      `json:"original_purchase_id"`
	ReturnDate         time.Time                   `json:"return_date"`
	Reason             string                      `json:"reason"`
	Items              []PurchaseReturnItemRequest `json:"items"`
}
