package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *echo.Echo, *testEnv) {
	env := newTestEnv()
	return NewHandler(env.svc), echo.New(), env
}

func jsonRequest(e *echo.Echo, method, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_CreateTreatment(t *testing.T) {
	h, e, _ := newTestHandler()
	body := `{"client_id":"` + uuid.New().String() + `","name":"Orthodontics","budget_amount":"1500"}`
	c, rec := jsonRequest(e, http.MethodPost, body)

	if err := h.CreateTreatment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var out Treatment
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Status != TreatmentQuoted {
		t.Errorf("status = %s, want quoted", out.Status)
	}
}

func TestHandler_CreateTreatment_MissingClient(t *testing.T) {
	h, e, _ := newTestHandler()
	c, _ := jsonRequest(e, http.MethodPost, `{"name":"Orthodontics","budget_amount":"1500"}`)

	err := h.CreateTreatment(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %v", err)
	}
}

func TestHandler_GetTreatment_NotFound(t *testing.T) {
	h, e, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	err := h.GetTreatment(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_ComposeInvoice(t *testing.T) {
	h, e, env := newTestHandler()
	tr := env.seedTreatment(t, "1000")

	body := `{"treatment_id":"` + tr.ID.String() + `","insurance_amount":"200","payment_percent":"50"}`
	c, rec := jsonRequest(e, http.MethodPost, body)

	if err := h.ComposeInvoice(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var out invoiceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !out.Invoice.Total.Equal(d("400")) {
		t.Errorf("total = %s, want 400", out.Invoice.Total)
	}
	if len(out.Items) != 2 {
		t.Errorf("items = %d, want 2", len(out.Items))
	}
}

func TestHandler_ComposeInvoice_BudgetExceeded(t *testing.T) {
	h, e, env := newTestHandler()
	tr := env.seedTreatment(t, "100")

	body := `{"treatment_id":"` + tr.ID.String() + `","items":[{"description":"Session","quantity":"1","unit_price":"150"}]}`
	c, _ := jsonRequest(e, http.MethodPost, body)

	err := h.ComposeInvoice(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Errorf("expected 409, got %v", err)
	}
}

func TestHandler_ComposeInvoice_EmptyItems(t *testing.T) {
	h, e, _ := newTestHandler()
	c, _ := jsonRequest(e, http.MethodPost, `{"client_id":"`+uuid.New().String()+`"}`)

	err := h.ComposeInvoice(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %v", err)
	}
}

func TestHandler_ApplyPayment_OverPayment(t *testing.T) {
	h, e, env := newTestHandler()
	tr := env.seedTreatment(t, "1000")
	inv, _, err := env.svc.ComposeInvoice(context.Background(), ComposeInput{TreatmentID: &tr.ID})
	if err != nil {
		t.Fatalf("ComposeInvoice: %v", err)
	}

	c, _ := jsonRequest(e, http.MethodPost, `{"amount":"2000","method":"cash"}`)
	c.SetParamNames("id")
	c.SetParamValues(inv.ID.String())

	errResp := h.ApplyPayment(c)
	he, ok := errResp.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Errorf("expected 409, got %v", errResp)
	}
}

func TestHandler_CancelInvoice(t *testing.T) {
	h, e, env := newTestHandler()
	tr := env.seedTreatment(t, "1000")
	inv, _, err := env.svc.ComposeInvoice(context.Background(), ComposeInput{TreatmentID: &tr.ID})
	if err != nil {
		t.Fatalf("ComposeInvoice: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(inv.ID.String())

	if err := h.CancelInvoice(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var out Invoice
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Status != InvoiceCancelled {
		t.Errorf("status = %s, want cancelled", out.Status)
	}
}

func TestHandler_RectifyInvoice_CancelledOriginal(t *testing.T) {
	h, e, env := newTestHandler()
	tr := env.seedTreatment(t, "1000")
	ctx := context.Background()
	inv, _, err := env.svc.ComposeInvoice(ctx, ComposeInput{TreatmentID: &tr.ID})
	if err != nil {
		t.Fatalf("ComposeInvoice: %v", err)
	}
	if _, err := env.svc.CancelInvoice(ctx, inv.ID, "x"); err != nil {
		t.Fatalf("CancelInvoice: %v", err)
	}

	body := `{"items":[{"description":"correction","quantity":"1","unit_price":"-50"}]}`
	c, _ := jsonRequest(e, http.MethodPost, body)
	c.SetParamNames("id")
	c.SetParamValues(inv.ID.String())

	errResp := h.RectifyInvoice(c)
	he, ok := errResp.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Errorf("expected 409, got %v", errResp)
	}
}

func TestHandler_InvalidID(t *testing.T) {
	h, e, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	err := h.GetInvoice(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}
