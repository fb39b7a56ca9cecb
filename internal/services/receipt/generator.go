package receipt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jung-kurt/gofpdf"
	"github.com/skip2/go-qrcode"

	"github.com/xelth-com/etimsgo/internal/models"
)

// ErrNotPrintable is returned for submissions that have no receipt yet
var ErrNotPrintable = errors.New("receipt is only available for submitted sales")

// qrSizePx is the pixel size of encoded QR images
const qrSizePx = 256

// Receipt is what gets printed, collected from the stored payload and response
type Receipt struct {
	Company      string
	BranchID     string
	TIN          string
	Document     string
	InvoiceNo    string
	ReceiptNo    string
	Signature    string
	InternalData string
	SCUID        string
	SalesDate    string
	Customer     string
	Total        string
	TaxTotal     string
	Lines        []Line
	VerifyURL    string
}

// Line is one printed item
type Line struct {
	Name     string
	Quantity string
	Price    string
	Total    string
	TaxType  string
}

// FromSubmission collects receipt fields. The record must be a submitted sales submission.
func FromSubmission(sub *models.Submission, rec *models.Settings) (*Receipt, error) {
	if sub.Category != models.CategorySales || sub.Status != models.SubmissionStatusSubmitted {
		return nil, ErrNotPrintable
	}

	payload, err := decode(sub.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	resp, err := decode(sub.Response)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	data, _ := resp["data"].(map[string]interface{})
	if data == nil {
		data = resp
	}

	r := &Receipt{
		Company:      rec.Company,
		BranchID:     rec.BranchID,
		TIN:          rec.TIN,
		Document:     sub.DocumentType + " " + sub.DocumentName,
		InvoiceNo:    field(payload, "invcNo"),
		ReceiptNo:    sub.RemoteID,
		Signature:    field(data, "rcptSign"),
		InternalData: field(data, "intrlData"),
		SCUID:        field(data, "sdcId"),
		SalesDate:    field(payload, "salesDt"),
		Customer:     field(payload, "custNm"),
		Total:        field(payload, "totAmt"),
		TaxTotal:     field(payload, "totTaxAmt"),
		VerifyURL:    sub.QRCode,
	}
	if r.SCUID == "" {
		r.SCUID = rec.SCUID
	}
	// Slade answers carry the totals on the response
	if r.Total == "" {
		r.Total = field(data, "grand_total")
	}

	items, _ := payload["itemList"].([]interface{})
	for _, it := range items {
		m, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		r.Lines = append(r.Lines, Line{
			Name:     field(m, "itemNm"),
			Quantity: field(m, "qty"),
			Price:    field(m, "prc"),
			Total:    field(m, "totAmt"),
			TaxType:  field(m, "taxTyCd"),
		})
	}
	return r, nil
}

// QRCode encodes content as a PNG
func QRCode(content string) ([]byte, error) {
	if content == "" {
		return nil, errors.New("empty QR content")
	}
	return qrcode.Encode(content, qrcode.Low, qrSizePx)
}

// QRDataURI returns the QR as an inline image for JSON clients
func QRDataURI(content string) (string, error) {
	png, err := QRCode(content)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// GeneratePDF renders an A4 receipt with the verification QR code
func GeneratePDF(r *Receipt) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	// A4 width minus margins
	width := 180.0

	// Header
	pdf.SetFont("Arial", "B", 14)
	pdf.CellFormat(width, 8, r.Company, "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	pdf.CellFormat(width, 5, fmt.Sprintf("PIN: %s   Branch: %s", r.TIN, r.BranchID), "", 1, "C", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(width, 6, r.Document, "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	meta := [][2]string{
		{"Invoice No", r.InvoiceNo},
		{"Date", r.SalesDate},
		{"Customer", r.Customer},
	}
	for _, kv := range meta {
		if kv[1] == "" {
			continue
		}
		pdf.CellFormat(35, 5, kv[0]+":", "", 0, "L", false, 0, "")
		pdf.CellFormat(width-35, 5, kv[1], "", 1, "L", false, 0, "")
	}
	pdf.Ln(3)

	// Items table
	cols := []float64{80, 20, 30, 15, 35}
	pdf.SetFont("Arial", "B", 9)
	for i, h := range []string{"Item", "Qty", "Price", "Tax", "Amount"} {
		align := "R"
		if i == 0 {
			align = "L"
		}
		pdf.CellFormat(cols[i], 6, h, "B", 0, align, false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, l := range r.Lines {
		pdf.CellFormat(cols[0], 5, l.Name, "", 0, "L", false, 0, "")
		pdf.CellFormat(cols[1], 5, l.Quantity, "", 0, "R", false, 0, "")
		pdf.CellFormat(cols[2], 5, l.Price, "", 0, "R", false, 0, "")
		pdf.CellFormat(cols[3], 5, l.TaxType, "", 0, "R", false, 0, "")
		pdf.CellFormat(cols[4], 5, l.Total, "", 1, "R", false, 0, "")
	}

	// Totals
	pdf.Ln(2)
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(width-35, 6, "Total", "T", 0, "R", false, 0, "")
	pdf.CellFormat(35, 6, r.Total, "T", 1, "R", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	if r.TaxTotal != "" {
		pdf.CellFormat(width-35, 5, "Total tax", "", 0, "R", false, 0, "")
		pdf.CellFormat(35, 5, r.TaxTotal, "", 1, "R", false, 0, "")
	}
	pdf.Ln(6)

	// SCU information
	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(width, 5, "SCU INFORMATION", "B", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 8)
	scu := [][2]string{
		{"SCU ID", r.SCUID},
		{"Receipt No", r.ReceiptNo},
		{"Internal Data", r.InternalData},
		{"Receipt Signature", r.Signature},
	}
	for _, kv := range scu {
		if kv[1] == "" {
			continue
		}
		pdf.CellFormat(35, 5, kv[0]+":", "", 0, "L", false, 0, "")
		pdf.CellFormat(width-35, 5, kv[1], "", 1, "L", false, 0, "")
	}

	// QR code, centered under the SCU block
	if r.VerifyURL != "" {
		png, err := QRCode(r.VerifyURL)
		if err != nil {
			return nil, err
		}
		imgOptions := gofpdf.ImageOptions{
			ImageType: "PNG",
			ReadDpi:   true,
		}
		pdf.RegisterImageOptionsReader("receipt_qr", imgOptions, bytes.NewReader(png))

		qrSize := 40.0
		y := pdf.GetY() + 4
		pdf.ImageOptions("receipt_qr", 15+(width-qrSize)/2, y, qrSize, qrSize, false, imgOptions, 0, "")
		pdf.SetXY(15, y+qrSize+1)
		pdf.SetFont("Arial", "", 7)
		pdf.MultiCell(width, 4, r.VerifyURL, "", "C", false)
	}

	if err := pdf.Error(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode keeps numbers as written so amounts print with their decimals
func decode(raw []byte) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

func field(m map[string]interface{}, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
