package api

import (
	"net/http"

	"github.com/absmach/flock/clients"
	"github.com/absmach/flock/job"
)

type messageResponse struct {
	Message string `json:"message"`
}

type jobResponse struct {
	job.TrainingJob
	created bool
}

func (r jobResponse) StatusCode() int {
	if r.created {
		return http.StatusCreated
	}

	return http.StatusOK
}

type clientResponse struct {
	clients.Client
	created bool
}

func (r clientResponse) StatusCode() int {
	if r.created {
		return http.StatusCreated
	}

	return http.StatusOK
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}
