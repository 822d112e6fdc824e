package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/liamcoop/finrules/ledger"
	"github.com/liamcoop/finrules/rules"
	"github.com/liamcoop/finrules/userrules"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
	// maxPage bounds page so page*per_page fits in 32 bits.
	maxPage = math.MaxInt32 / maxPerPage
)

// Health check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Storage: "memory", Time: time.Now().UTC()}
	if s.db != nil {
		resp.Storage = "postgres"
		if err := s.db.PingContext(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// Evaluation handler
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var tx rules.Transaction
	if err := decodeJSON(w, r, &tx); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if tx.Type != "" && !tx.Type.Valid() {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid transaction type '%s'", tx.Type), nil)
		return
	}

	start := time.Now()
	result, trace, err := s.rules.Evaluate(r.Context(), userID(r), tx)
	if err != nil {
		s.respondServiceError(w, r, "failed to evaluate transaction", err)
		return
	}

	respondJSON(w, http.StatusOK, EvaluateResponse{
		Transaction:    result,
		Trace:          nonNilTrace(trace),
		AppliedRules:   nonNilStrings(rules.AppliedRuleIDs(trace)),
		EvaluationTime: time.Since(start).String(),
	})
}

// Rule handlers
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	page, perPage, err := pagination(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	opts := rules.ListOptions{Page: page, PerPage: perPage}

	if raw := r.URL.Query().Get("is_active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "is_active must be a boolean", nil)
			return
		}
		opts.Active = &active
	}

	list, total, err := s.rules.ListRules(r.Context(), userID(r), opts)
	if err != nil {
		s.respondServiceError(w, r, "failed to list rules", err)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}

	respondJSON(w, http.StatusOK, RulesListResponse{
		Rules:   list,
		Total:   total,
		Page:    page,
		PerPage: perPage,
		Pages:   pageCount(total, perPage),
	})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := rules.ParseRule(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	created, err := s.rules.CreateRule(r.Context(), userID(r), rule)
	if err != nil {
		s.respondServiceError(w, r, "failed to create rule", err)
		return
	}

	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleValidateRule(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := rules.ParseRule(body)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, userrules.DryRunResult{
			Valid:   false,
			Message: "Rule validation failed",
			Error:   err.Error(),
		})
		return
	}

	result, err := s.rules.DryRun(rule)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, result)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.GetRule(r.Context(), userID(r), chi.URLParam(r, "ruleId"))
	if err != nil {
		s.respondServiceError(w, r, "failed to get rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	var patch userrules.Patch
	if err := json.Unmarshal(body, &patch); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	updated, err := s.rules.UpdateRule(r.Context(), userID(r), chi.URLParam(r, "ruleId"), patch)
	if err != nil {
		s.respondServiceError(w, r, "failed to update rule", err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.DeleteRule(r.Context(), userID(r), chi.URLParam(r, "ruleId")); err != nil {
		s.respondServiceError(w, r, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.ToggleRule(r.Context(), userID(r), chi.URLParam(r, "ruleId"))
	if err != nil {
		s.respondServiceError(w, r, "failed to toggle rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// Transaction handlers
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	page, perPage, err := pagination(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	q := r.URL.Query()
	opts := ledger.ListOptions{Page: page, PerPage: perPage, AccountID: q.Get("account_id")}

	if raw := q.Get("start_date"); raw != "" {
		if opts.Start, err = rules.ParseTimestamp(raw); err != nil {
			respondError(w, http.StatusBadRequest, "start_date must be ISO format date/datetime", nil)
			return
		}
	}
	if raw := q.Get("end_date"); raw != "" {
		if opts.End, err = rules.ParseTimestamp(raw); err != nil {
			respondError(w, http.StatusBadRequest, "end_date must be ISO format date/datetime", nil)
			return
		}
	}
	if raw := q.Get("category_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "category_id must be an integer", nil)
			return
		}
		opts.CategoryID = &id
	}

	list, total, err := s.ledger.List(r.Context(), userID(r), opts)
	if err != nil {
		s.respondServiceError(w, r, "failed to list transactions", err)
		return
	}
	if list == nil {
		list = []*ledger.Record{}
	}

	respondJSON(w, http.StatusOK, TransactionsListResponse{
		Data:        list,
		Total:       total,
		Pages:       pageCount(total, perPage),
		CurrentPage: page,
		PerPage:     perPage,
	})
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	in, err := req.toInput()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	rec, err := s.ledger.Create(r.Context(), userID(r), in)
	if err != nil {
		s.respondServiceError(w, r, "failed to create transaction", err)
		return
	}
	respondJSON(w, http.StatusCreated, TransactionResponse{Record: rec})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "txId")

	includeTrace, _ := strconv.ParseBool(r.URL.Query().Get("include_rule_trace"))
	if !includeTrace {
		rec, err := s.ledger.Get(r.Context(), userID(r), id)
		if err != nil {
			s.respondServiceError(w, r, "failed to get transaction", err)
			return
		}
		respondJSON(w, http.StatusOK, TransactionResponse{Record: rec})
		return
	}

	rec, trace, err := s.ledger.Explain(r.Context(), userID(r), id)
	if err != nil {
		s.respondServiceError(w, r, "failed to get transaction", err)
		return
	}
	respondJSON(w, http.StatusOK, TransactionResponse{Record: rec, Trace: nonNilTrace(trace)})
}

func (s *Server) handleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
	var req UpdateTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	changes, err := req.toChanges()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	rec, err := s.ledger.Update(r.Context(), userID(r), chi.URLParam(r, "txId"), changes)
	if err != nil {
		s.respondServiceError(w, r, "failed to update transaction", err)
		return
	}
	respondJSON(w, http.StatusOK, TransactionResponse{Record: rec})
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Delete(r.Context(), userID(r), chi.URLParam(r, "txId")); err != nil {
		s.respondServiceError(w, r, "failed to delete transaction", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransactionHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "txId")
	entries, err := s.ledger.History(r.Context(), userID(r), id)
	if err != nil {
		s.respondServiceError(w, r, "failed to load transaction history", err)
		return
	}
	if entries == nil {
		entries = []*ledger.AuditEntry{}
	}
	respondJSON(w, http.StatusOK, HistoryResponse{Entries: entries})
}

// Import handlers
func (s *Server) handleImportPreview(w http.ResponseWriter, r *http.Request) {
	maxRows := s.cfg.ImportPreviewRows
	if raw := r.URL.Query().Get("max_rows"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "max_rows must be a positive integer", nil)
			return
		}
		maxRows = n
	}

	src, err := csvSource(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	defer src.Close()

	preview, err := s.importer.Preview(r.Context(), userID(r), src, maxRows)
	if err != nil {
		s.respondServiceError(w, r, "failed to preview import", err)
		return
	}
	respondJSON(w, http.StatusOK, preview)
}

func (s *Server) handleImportCommit(w http.ResponseWriter, r *http.Request) {
	src, err := csvSource(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	defer src.Close()

	result, err := s.importer.Commit(r.Context(), userID(r), src)
	if err != nil {
		s.respondServiceError(w, r, "failed to import transactions", err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

// csvSource returns the uploaded CSV: the "file" part of a multipart form, or
// the raw request body otherwise.
func csvSource(w http.ResponseWriter, r *http.Request) (io.ReadCloser, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, nil
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, errors.New("no file provided")
	}
	return file, nil
}

func pagination(r *http.Request) (page, perPage int, err error) {
	page, perPage = 1, defaultPerPage
	q := r.URL.Query()

	if raw := q.Get("page"); raw != "" {
		if page, err = strconv.Atoi(raw); err != nil || page < 1 {
			return 0, 0, errors.New("page must be a positive integer")
		}
	}
	if raw := q.Get("per_page"); raw != "" {
		if perPage, err = strconv.Atoi(raw); err != nil || perPage < 1 {
			return 0, 0, errors.New("per_page must be a positive integer")
		}
		perPage = min(perPage, maxPerPage)
	}
	page = min(page, maxPage)
	return page, perPage, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

func nonNilTrace(trace []rules.TraceEntry) []rules.TraceEntry {
	if trace == nil {
		return []rules.TraceEntry{}
	}
	return trace
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
