package receipt

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"gorm.io/datatypes"

	"github.com/xelth-com/etimsgo/internal/models"
)

func submittedSale() (*models.Submission, *models.Settings) {
	sub := &models.Submission{
		DocumentType: "Sales Invoice",
		DocumentName: "SINV-0001",
		Category:     models.CategorySales,
		Status:       models.SubmissionStatusSubmitted,
		RemoteID:     "1234567",
		QRCode:       "https://etims-sbx.kra.go.ke/common/link/etims/receipt/indexEtimsReceiptData?Data=P051234567X00SIGNATURE",
		Payload: datatypes.JSON(`{"invcNo":1,"salesDt":"20240601","custNm":"Walk-in","totAmt":116.00,"totTaxAmt":16.00,
			"itemList":[{"itemNm":"Widget","qty":1,"prc":116.00,"totAmt":116.00,"taxTyCd":"B"}]}`),
		Response: datatypes.JSON(`{"resultCd":"000","data":{"rcptNo":1234567,"intrlData":"INTERNAL","rcptSign":"SIGNATURE","sdcId":"KRACU0100000001"}}`),
	}
	rec := &models.Settings{Company: "Acme Ltd", BranchID: "00", TIN: "P051234567X"}
	return sub, rec
}

func TestFromSubmission(t *testing.T) {
	sub, rec := submittedSale()
	r, err := FromSubmission(sub, rec)
	if err != nil {
		t.Fatalf("FromSubmission failed: %v", err)
	}
	if r.Total != "116.00" || r.TaxTotal != "16.00" {
		t.Errorf("Amounts should keep their decimals, got %s / %s", r.Total, r.TaxTotal)
	}
	if r.Signature != "SIGNATURE" || r.SCUID != "KRACU0100000001" || r.InvoiceNo != "1" {
		t.Errorf("SCU fields not collected: %+v", r)
	}
	if len(r.Lines) != 1 || r.Lines[0].Name != "Widget" || r.Lines[0].TaxType != "B" {
		t.Errorf("Unexpected lines %+v", r.Lines)
	}
}

func TestFromSubmissionRejectsPending(t *testing.T) {
	sub, rec := submittedSale()
	sub.Status = models.SubmissionStatusPending
	if _, err := FromSubmission(sub, rec); !errors.Is(err, ErrNotPrintable) {
		t.Errorf("Expected ErrNotPrintable for a pending record, got %v", err)
	}

	sub, _ = submittedSale()
	sub.Category = models.CategoryStock
	if _, err := FromSubmission(sub, rec); !errors.Is(err, ErrNotPrintable) {
		t.Errorf("Expected ErrNotPrintable for a stock record, got %v", err)
	}
}

func TestGeneratePDF(t *testing.T) {
	sub, rec := submittedSale()
	r, err := FromSubmission(sub, rec)
	if err != nil {
		t.Fatalf("FromSubmission failed: %v", err)
	}
	pdf, err := GeneratePDF(r)
	if err != nil {
		t.Fatalf("GeneratePDF failed: %v", err)
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF-")) {
		t.Error("Output should be a PDF document")
	}
}

func TestQRDataURI(t *testing.T) {
	uri, err := QRDataURI("https://etims.kra.go.ke/receipt")
	if err != nil {
		t.Fatalf("QRDataURI failed: %v", err)
	}
	if !strings.HasPrefix(uri, "data:image/png;base64,") {
		t.Errorf("Unexpected data URI prefix %q", uri[:30])
	}
	if _, err := QRDataURI(""); err == nil {
		t.Error("Empty content should be rejected")
	}
}
