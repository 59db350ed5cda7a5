package api

import (
	"context"
	"time"

	"github.com/go-kit/kit/endpoint"

	"github.com/absmach/flock/coordinator"
	"github.com/absmach/flock/job"
)

func MakeCreateJobEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(createJobReq)
		if err := req.Validate(); err != nil {
			return nil, err
		}

		j := job.TrainingJob{
			Name:                   req.Name,
			TargetRounds:           req.TargetRounds,
			MinClients:             req.MinClients,
			ParticipationThreshold: req.ParticipationThreshold,
			RoundTimeout:           time.Duration(req.RoundTimeoutS) * time.Second,
			TrainingTimeout:        time.Duration(req.TrainingTimeoutS) * time.Second,
			Selection:              req.Selection,
			Aggregation:            req.Aggregation,
			Convergence:            req.Convergence,
			Hyperparams:            req.Hyperparams,
			ModelRef:               req.ModelRef,
		}

		created, err := svc.CreateJob(ctx, j)
		if err != nil {
			return nil, err
		}

		return jobResponse{TrainingJob: created, created: true}, nil
	}
}

func MakeGetJobEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(jobReq)
		if err := req.Validate(); err != nil {
			return nil, err
		}

		j, err := svc.GetJob(ctx, req.JobID)
		if err != nil {
			return nil, err
		}

		return jobResponse{TrainingJob: j}, nil
	}
}

func MakeListJobsEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(listReq)
		if err := req.Validate(); err != nil {
			return nil, err
		}

		return svc.ListJobs(ctx, req.Offset, req.Limit)
	}
}

func MakeStartJobEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(jobReq)
		if err := req.Validate(); err != nil {
			return nil, err
		}

		if err := svc.StartJob(ctx, req.JobID); err != nil {
			return nil, err
		}

		return messageResponse{Message: "job started"}, nil
	}
}

func MakeStopJobEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(stopJobReq)
		if err := req.Validate(); err != nil {
			return nil, err
		}

		if err := svc.StopJob(ctx, req.JobID, req.Reason); err != nil {
			return nil, err
		}

		return messageResponse{Message: "job stopped"}, nil
	}
}

func MakeGetModelEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(jobReq)
		if err := req.Validate(); err != nil {
			return nil, err
		}

		return svc.GetModel(ctx, req.JobID)
	}
}

func MakeGetRoundResultEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(roundResultReq)
		if err := req.Validate(); err != nil {
			return nil, err
		}

		return svc.GetRoundResult(ctx, req.JobID, req.Round)
	}
}

func MakeListRoundResultsEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(listRoundResultsReq)
		if err := req.Validate(); err != nil {
			return nil, err
		}

		return svc.ListRoundResults(ctx, req.JobID, req.Offset, req.Limit)
	}
}

func MakeSubmitUpdateEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(submitUpdateReq)
		if err := req.Validate(); err != nil {
			return nil, err
		}

		if err := svc.SubmitUpdate(ctx, req.Update); err != nil {
			return nil, err
		}

		return messageResponse{Message: "update accepted"}, nil
	}
}

func MakeRegisterClientEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(registerClientReq)
		if err := req.Validate(); err != nil {
			return nil, err
		}

		registered, err := svc.RegisterClient(ctx, req.Client)
		if err != nil {
			return nil, err
		}

		return clientResponse{Client: registered, created: true}, nil
	}
}

func MakeGetClientEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(clientReq)
		if err := req.Validate(); err != nil {
			return nil, err
		}

		c, err := svc.GetClient(ctx, req.ClientID)
		if err != nil {
			return nil, err
		}

		return clientResponse{Client: c}, nil
	}
}

func MakeListClientsEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(listReq)
		if err := req.Validate(); err != nil {
			return nil, err
		}

		return svc.ListClients(ctx, req.Offset, req.Limit)
	}
}

func MakeUnregisterClientEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(clientReq)
		if err := req.Validate(); err != nil {
			return nil, err
		}

		if err := svc.UnregisterClient(ctx, req.ClientID); err != nil {
			return nil, err
		}

		return messageResponse{Message: "client unregistered"}, nil
	}
}

func MakeListSecurityEventsEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(listReq)
		if err := req.Validate(); err != nil {
			return nil, err
		}

		return svc.ListSecurityEvents(ctx, req.Offset, req.Limit)
	}
}
