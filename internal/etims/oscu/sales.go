package oscu

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Receipt type codes
const (
	ReceiptSale       = "S"
	ReceiptCreditNote = "R"
)

// TaxRates are the VAT rates per KRA tax type. Prices are tax inclusive.
var TaxRates = map[string]decimal.Decimal{
	"A": decimal.Zero,           // exempt
	"B": decimal.NewFromInt(16), // standard
	"C": decimal.Zero,           // zero rated
	"D": decimal.Zero,           // non-VAT
	"E": decimal.NewFromInt(8),  // reduced
}

var taxTypes = []string{"A", "B", "C", "D", "E"}

// SalesItem is one invoice line
type SalesItem struct {
	Code         string          `json:"itemCode"`
	ClassCode    string          `json:"itemClassCode"`
	Name         string          `json:"itemName"`
	PackageUnit  string          `json:"packageUnit"`
	QuantityUnit string          `json:"quantityUnit"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Discount     decimal.Decimal `json:"discount"`
	TaxType      string          `json:"taxType"`
}

// SalesInvoice is the typed form of a TrnsSalesSaveWrReq submission
type SalesInvoice struct {
	DocumentName      string      `json:"documentName"`
	InvoiceNo         int64       `json:"invoiceNo"`
	OriginalInvoiceNo int64       `json:"originalInvoiceNo"`
	ReceiptType       string      `json:"receiptType"`
	PaymentType       string      `json:"paymentType"`
	CustomerTIN       string      `json:"customerTin"`
	CustomerName      string      `json:"customerName"`
	ConfirmedAt       time.Time   `json:"confirmedAt"`
	SalesDate         time.Time   `json:"salesDate"`
	Remark            string      `json:"remark"`
	Registrar         string      `json:"registrar"`
	Items             []SalesItem `json:"items"`
}

// Validate checks what the remote side would reject outright
func (inv *SalesInvoice) Validate() error {
	if inv.InvoiceNo <= 0 {
		return errors.New("invoice number must be positive")
	}
	if inv.ReceiptType != ReceiptSale && inv.ReceiptType != ReceiptCreditNote {
		return fmt.Errorf("unknown receipt type %q", inv.ReceiptType)
	}
	if inv.ReceiptType == ReceiptCreditNote && inv.OriginalInvoiceNo <= 0 {
		return errors.New("credit notes must reference the original invoice")
	}
	if len(inv.Items) == 0 {
		return errors.New("invoice has no items")
	}
	for i, item := range inv.Items {
		if item.Code == "" {
			return fmt.Errorf("item %d has no code", i+1)
		}
		if _, ok := TaxRates[strings.ToUpper(item.TaxType)]; !ok {
			return fmt.Errorf("item %d has unknown tax type %q", i+1, item.TaxType)
		}
		if item.Quantity.IsZero() {
			return fmt.Errorf("item %d has zero quantity", i+1)
		}
	}
	return nil
}

// Quantize rounds down to two decimal places
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.RoundDown(2)
}

func amount(d decimal.Decimal) json.Number {
	return json.Number(Quantize(d).StringFixed(2))
}

// BuildSalesPayload turns an invoice into the TrnsSalesSaveWrReq body with per-tax-type totals
func BuildSalesPayload(inv *SalesInvoice) (map[string]interface{}, error) {
	if err := inv.Validate(); err != nil {
		return nil, err
	}

	hundred := decimal.NewFromInt(100)
	taxable := map[string]decimal.Decimal{}
	taxes := map[string]decimal.Decimal{}
	for _, t := range taxTypes {
		taxable[t] = decimal.Zero
		taxes[t] = decimal.Zero
	}

	totalTaxable := decimal.Zero
	totalTax := decimal.Zero
	items := make([]map[string]interface{}, 0, len(inv.Items))

	for i, item := range inv.Items {
		taxType := strings.ToUpper(item.TaxType)
		rate := TaxRates[taxType]
		qty := item.Quantity.Abs()
		supply := Quantize(qty.Mul(item.Price.Abs()))
		discount := Quantize(item.Discount.Abs())
		lineTotal := supply.Sub(discount)
		lineTax := decimal.Zero
		if rate.IsPositive() {
			lineTax = Quantize(lineTotal.Mul(rate).Div(hundred.Add(rate)))
		}

		dcRate := decimal.Zero
		if supply.IsPositive() {
			dcRate = discount.Mul(hundred).Div(supply)
		}

		taxable[taxType] = taxable[taxType].Add(lineTotal)
		taxes[taxType] = taxes[taxType].Add(lineTax)
		totalTaxable = totalTaxable.Add(lineTotal)
		totalTax = totalTax.Add(lineTax)

		items = append(items, map[string]interface{}{
			"itemSeq":   i + 1,
			"itemCd":    item.Code,
			"itemClsCd": item.ClassCode,
			"itemNm":    item.Name,
			"pkgUnitCd": item.PackageUnit,
			"pkg":       json.Number(qty.String()),
			"qtyUnitCd": item.QuantityUnit,
			"qty":       json.Number(qty.String()),
			"prc":       amount(item.Price.Abs()),
			"splyAmt":   amount(supply),
			"dcRt":      amount(dcRate),
			"dcAmt":     amount(discount),
			"taxTyCd":   taxType,
			"taxblAmt":  amount(lineTotal),
			"taxAmt":    amount(lineTax),
			"totAmt":    amount(lineTotal),
		})
	}

	salesDate := inv.SalesDate
	if salesDate.IsZero() {
		salesDate = inv.ConfirmedAt
	}
	custTIN := strings.TrimSpace(inv.CustomerTIN)

	payload := map[string]interface{}{
		"invcNo":       inv.InvoiceNo,
		"orgInvcNo":    inv.OriginalInvoiceNo,
		"custTin":      nullable(custTIN),
		"custNm":       inv.CustomerName,
		"salesTyCd":    "N",
		"rcptTyCd":     inv.ReceiptType,
		"pmtTyCd":      inv.PaymentType,
		"salesSttsCd":  "02",
		"cfmDt":        inv.ConfirmedAt.Format(ResultDateLayout),
		"salesDt":      salesDate.Format("20060102"),
		"stockRlsDt":   inv.ConfirmedAt.Format(ResultDateLayout),
		"totItemCnt":   len(items),
		"totTaxblAmt":  amount(totalTaxable),
		"totTaxAmt":    amount(totalTax),
		"totAmt":       amount(totalTaxable),
		"prchrAcptcYn": "N",
		"remark":       nullable(inv.Remark),
		"regrId":       inv.Registrar,
		"regrNm":       inv.Registrar,
		"modrId":       inv.Registrar,
		"modrNm":       inv.Registrar,
		"receipt": map[string]interface{}{
			"custTin":      nullable(custTIN),
			"rcptPbctDt":   inv.ConfirmedAt.Format(ResultDateLayout),
			"prchrAcptcYn": "N",
		},
		"itemList": items,
	}
	for _, t := range taxTypes {
		payload["taxblAmt"+t] = amount(taxable[t])
		payload["taxRt"+t] = amount(TaxRates[t])
		payload["taxAmt"+t] = amount(taxes[t])
	}
	return payload, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
