package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-chi/chi/v5"
	kithttp "github.com/go-kit/kit/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/absmach/flock/clients"
	"github.com/absmach/flock/coordinator"
	"github.com/absmach/flock/job"
	pkgerrors "github.com/absmach/flock/pkg/errors"
	"github.com/absmach/flock/pkg/fl"
	"github.com/absmach/flock/security"
)

const (
	contentTypeJSON = "application/json"
	contentTypeCBOR = "application/cbor"

	defOffset = 0
	defLimit  = 100
)

func MakeHandler(svc coordinator.Service, logger *slog.Logger) http.Handler {
	opts := []kithttp.ServerOption{
		kithttp.ServerErrorEncoder(encodeError(logger)),
	}

	mux := chi.NewRouter()

	mux.Route("/jobs", func(r chi.Router) {
		r.Post("/", kithttp.NewServer(
			MakeCreateJobEndpoint(svc),
			decodeCreateJobRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.Get("/", kithttp.NewServer(
			MakeListJobsEndpoint(svc),
			decodeListRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.Get("/{job_id}", kithttp.NewServer(
			MakeGetJobEndpoint(svc),
			decodeJobRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.Post("/{job_id}/start", kithttp.NewServer(
			MakeStartJobEndpoint(svc),
			decodeJobRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.Post("/{job_id}/stop", kithttp.NewServer(
			MakeStopJobEndpoint(svc),
			decodeStopJobRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.Get("/{job_id}/model", kithttp.NewServer(
			MakeGetModelEndpoint(svc),
			decodeJobRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.Get("/{job_id}/rounds", kithttp.NewServer(
			MakeListRoundResultsEndpoint(svc),
			decodeListRoundResultsRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.Get("/{job_id}/rounds/{round}", kithttp.NewServer(
			MakeGetRoundResultEndpoint(svc),
			decodeRoundResultRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.Post("/{job_id}/updates", kithttp.NewServer(
			MakeSubmitUpdateEndpoint(svc),
			decodeSubmitUpdateRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
	})

	mux.Route("/clients", func(r chi.Router) {
		r.Post("/", kithttp.NewServer(
			MakeRegisterClientEndpoint(svc),
			decodeRegisterClientRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.Get("/", kithttp.NewServer(
			MakeListClientsEndpoint(svc),
			decodeListRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.Get("/{client_id}", kithttp.NewServer(
			MakeGetClientEndpoint(svc),
			decodeClientRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.Delete("/{client_id}", kithttp.NewServer(
			MakeUnregisterClientEndpoint(svc),
			decodeClientRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
	})

	mux.Get("/security/events", kithttp.NewServer(
		MakeListSecurityEventsEndpoint(svc),
		decodeListRequest,
		encodeResponse,
		opts...,
	).ServeHTTP)

	mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentTypeJSON)
		if err := json.NewEncoder(w).Encode(healthResponse{Status: "ok", Service: "flock-coordinator"}); err != nil {
			logger.Error("failed to encode health response", slog.Any("error", err))
		}
	})

	mux.Handle("/metrics", promhttp.Handler())

	return otelhttp.NewHandler(mux, "flock-coordinator")
}

func decodeCreateJobRequest(_ context.Context, r *http.Request) (interface{}, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), contentTypeJSON) {
		return nil, fmt.Errorf("unsupported content type: %w", pkgerrors.ErrInvalidData)
	}

	var req createJobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode job definition: %w", pkgerrors.ErrInvalidData)
	}

	return req, nil
}

func decodeJobRequest(_ context.Context, r *http.Request) (interface{}, error) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required: %w", pkgerrors.ErrMissingJobID)
	}

	return jobReq{JobID: jobID}, nil
}

func decodeStopJobRequest(_ context.Context, r *http.Request) (interface{}, error) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required: %w", pkgerrors.ErrMissingJobID)
	}

	req := stopJobReq{JobID: jobID}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode stop request: %w", pkgerrors.ErrInvalidData)
	}
	req.JobID = jobID

	return req, nil
}

func decodeListRequest(_ context.Context, r *http.Request) (interface{}, error) {
	offset, limit, err := paginationParams(r)
	if err != nil {
		return nil, err
	}

	return listReq{Offset: offset, Limit: limit}, nil
}

func decodeRoundResultRequest(_ context.Context, r *http.Request) (interface{}, error) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required: %w", pkgerrors.ErrMissingJobID)
	}

	round, err := strconv.Atoi(chi.URLParam(r, "round"))
	if err != nil {
		return nil, fmt.Errorf("round must be an integer: %w", pkgerrors.ErrInvalidData)
	}

	return roundResultReq{JobID: jobID, Round: round}, nil
}

func decodeListRoundResultsRequest(_ context.Context, r *http.Request) (interface{}, error) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required: %w", pkgerrors.ErrMissingJobID)
	}

	offset, limit, err := paginationParams(r)
	if err != nil {
		return nil, err
	}

	return listRoundResultsReq{JobID: jobID, Offset: offset, Limit: limit}, nil
}

func decodeSubmitUpdateRequest(_ context.Context, r *http.Request) (interface{}, error) {
	var update fl.Update

	ct := r.Header.Get("Content-Type")
	switch {
	case strings.Contains(ct, contentTypeCBOR):
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read update payload: %w", pkgerrors.ErrInvalidData)
		}
		if err := cbor.Unmarshal(payload, &update); err != nil {
			return nil, fmt.Errorf("failed to decode CBOR update: %w", pkgerrors.ErrInvalidData)
		}
	case strings.Contains(ct, contentTypeJSON):
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			return nil, fmt.Errorf("failed to decode update: %w", pkgerrors.ErrInvalidData)
		}
	default:
		return nil, fmt.Errorf("unsupported content type: %w", pkgerrors.ErrInvalidData)
	}

	update.JobID = chi.URLParam(r, "job_id")

	return submitUpdateReq{Update: update}, nil
}

func decodeRegisterClientRequest(_ context.Context, r *http.Request) (interface{}, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), contentTypeJSON) {
		return nil, fmt.Errorf("unsupported content type: %w", pkgerrors.ErrInvalidData)
	}

	var req registerClientReq
	if err := json.NewDecoder(r.Body).Decode(&req.Client); err != nil {
		return nil, fmt.Errorf("failed to decode client definition: %w", pkgerrors.ErrInvalidData)
	}

	return req, nil
}

func decodeClientRequest(_ context.Context, r *http.Request) (interface{}, error) {
	clientID := chi.URLParam(r, "client_id")
	if clientID == "" {
		return nil, fmt.Errorf("client_id is required: %w", pkgerrors.ErrMissingClientID)
	}

	return clientReq{ClientID: clientID}, nil
}

func paginationParams(r *http.Request) (uint64, uint64, error) {
	offset := uint64(defOffset)
	limit := uint64(defLimit)

	if v := r.URL.Query().Get("offset"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer: %w", pkgerrors.ErrInvalidData)
		}
		offset = parsed
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("limit must be a non-negative integer: %w", pkgerrors.ErrInvalidData)
		}
		limit = parsed
	}

	return offset, limit, nil
}

type statusCoder interface {
	StatusCode() int
}

func encodeResponse(_ context.Context, w http.ResponseWriter, response interface{}) error {
	w.Header().Set("Content-Type", contentTypeJSON)
	if sc, ok := response.(statusCoder); ok {
		w.WriteHeader(sc.StatusCode())
	}

	return json.NewEncoder(w).Encode(response)
}

func encodeError(logger *slog.Logger) kithttp.ErrorEncoder {
	return func(_ context.Context, err error, w http.ResponseWriter) {
		var status int
		switch {
		case errors.Is(err, pkgerrors.ErrNotFound),
			errors.Is(err, clients.ErrClientNotFound):
			status = http.StatusNotFound
		case errors.Is(err, pkgerrors.ErrEntityExists),
			errors.Is(err, clients.ErrClientExists),
			errors.Is(err, job.ErrInvalidStateTransition),
			errors.Is(err, coordinator.ErrInsufficientClients),
			errors.Is(err, clients.ErrClientNotAvailable):
			status = http.StatusConflict
		case errors.Is(err, clients.ErrScreeningRejected),
			errors.Is(err, security.ErrClientExcluded):
			status = http.StatusForbidden
		case errors.Is(err, pkgerrors.ErrInvalidData),
			errors.Is(err, pkgerrors.ErrMissingClientID),
			errors.Is(err, pkgerrors.ErrMissingJobID),
			errors.Is(err, clients.ErrDigestMismatch),
			errors.Is(err, security.ErrUpdateRejected):
			status = http.StatusBadRequest
		default:
			status = http.StatusInternalServerError
		}

		if status == http.StatusInternalServerError {
			logger.Error("request failed", slog.Any("error", err))
		}

		w.Header().Set("Content-Type", contentTypeJSON)
		w.WriteHeader(status)
		if encErr := json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}); encErr != nil {
			logger.Error("failed to encode error response", slog.Any("error", encErr))
		}
	}
}
