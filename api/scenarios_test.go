/*
scenarios_test.go - Tests for demo scenarios

PURPOSE:
	Tests that each scenario seeds the expected ledger state through the
	lifecycle. The scenarios double as end-to-end checks of the split rules.
*/
package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (s *testServer) loadScenario(id string) LoadScenarioResponse {
	s.t.Helper()
	var resp LoadScenarioResponse
	code := s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id}, &resp)
	require.Equal(s.t, http.StatusOK, code)
	return resp
}

func TestScenario_WithinAllowance(t *testing.T) {
	s := setupTestServer(t)

	resp := s.loadScenario("within-allowance")

	require.Len(t, resp.Entries, 1)
	assert.True(t, resp.Entries[0].IsWithinAllowance)
	assert.Equal(t, "WRITTEN_OFF", resp.Entries[0].BillingStatus)
	assertDecimal(t, "4", resp.Client.Usage.UsedHours)
	assertDecimal(t, "6", resp.Client.Usage.RemainingHours)
	assertDecimal(t, "0", resp.Client.Usage.PendingBillable)
}

func TestScenario_PartiallyBillable(t *testing.T) {
	s := setupTestServer(t)

	resp := s.loadScenario("partially-billable")

	require.Len(t, resp.Entries, 2)
	assertDecimal(t, "10", resp.Client.Usage.UsedHours)
	assertDecimal(t, "3", resp.Client.Usage.BillableHours)
	assertDecimal(t, "150", resp.Client.Usage.PendingBillable)
}

func TestScenario_AllowanceExhausted(t *testing.T) {
	s := setupTestServer(t)

	resp := s.loadScenario("allowance-exhausted")

	assertDecimal(t, "10", resp.Client.Usage.UsedHours)
	assertDecimal(t, "2", resp.Client.Usage.BillableHours)
	assertDecimal(t, "100", resp.Client.Usage.PendingBillable)
}

func TestScenario_EditedEntry(t *testing.T) {
	s := setupTestServer(t)

	resp := s.loadScenario("edited-entry")

	require.Len(t, resp.Entries, 1)
	e := resp.Entries[0]
	assertDecimal(t, "10", e.AllowanceHours)
	assertDecimal(t, "2", e.BillableHours)
	assertDecimal(t, "10", resp.Client.Usage.UsedHours)

	var moves []MovementDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/clients/"+resp.Client.ID+"/movements", nil, &moves))
	require.Len(t, moves, 4)
	assert.Equal(t, "edit", moves[2].Reason)
	assertDecimal(t, "-3", moves[2].Delta)
	assert.Equal(t, "edit", moves[3].Reason)
	assertDecimal(t, "10", moves[3].Delta)
}

func TestScenario_Invoicing(t *testing.T) {
	s := setupTestServer(t)

	resp := s.loadScenario("invoicing")

	statuses := map[string]int{}
	for _, e := range resp.Entries {
		statuses[e.BillingStatus]++
	}
	// The free entry starts WRITTEN_OFF; the goodwill fix is written off by hand.
	assert.Equal(t, map[string]int{"BILLED": 1, "PAID": 1, "WRITTEN_OFF": 2}, statuses)
	assertDecimal(t, "0", resp.Client.Usage.PendingBillable)
	assertDecimal(t, "5", resp.Client.Usage.BillableHours)
}

func TestScenario_EachLoadCreatesNewClient(t *testing.T) {
	s := setupTestServer(t)

	a := s.loadScenario("within-allowance")
	b := s.loadScenario("within-allowance")

	assert.NotEqual(t, a.Client.ID, b.Client.ID)
	assert.True(t, strings.HasPrefix(a.Client.ID, "demo-within-allowance-"))

	var clients []ClientDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/clients", nil, &clients))
	assert.Len(t, clients, 2)
}

func TestScenario_ListAndCurrent(t *testing.T) {
	s := setupTestServer(t)

	var list []ScenarioDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/scenarios", nil, &list))
	assert.Len(t, list, len(scenarioLoaders))

	var current *ScenarioDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/scenarios/current", nil, &current))
	assert.Nil(t, current)

	s.loadScenario("invoicing")
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/scenarios/current", nil, &current))
	require.NotNil(t, current)
	assert.Equal(t, "invoicing", current.ID)
}

func TestScenario_Unknown(t *testing.T) {
	s := setupTestServer(t)

	var resp ErrorResponse
	code := s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"}, &resp)

	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Unknown scenario", resp.Error)
}
