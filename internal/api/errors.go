package api

import (
	"context"
	"errors"

	"github.com/mariankugiel/patient-web-app-sub002/internal/loop"
	"github.com/mariankugiel/patient-web-app-sub002/internal/outbox"
	"github.com/mariankugiel/patient-web-app-sub002/internal/portal"
	"github.com/mariankugiel/patient-web-app-sub002/internal/store"
	intsync "github.com/mariankugiel/patient-web-app-sub002/internal/sync"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps a controller error onto a gRPC status.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	return grpcstatus.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, store.ErrConversationNotFound), errors.Is(err, store.ErrMessageNotFound):
		return codes.NotFound
	case errors.Is(err, intsync.ErrNoSelection),
		errors.Is(err, outbox.ErrNotFailed),
		errors.Is(err, store.ErrInvalidTransition):
		return codes.FailedPrecondition
	case errors.Is(err, loop.ErrStopped):
		return codes.Unavailable
	}

	var pe *portal.Error
	if !errors.As(err, &pe) {
		return codes.Internal
	}
	switch pe.Kind {
	case portal.KindTransport:
		return codes.Unavailable
	case portal.KindProtocol:
		return codes.Internal
	}
	switch pe.Code {
	case portal.CodeValidation:
		return codes.InvalidArgument
	case portal.CodeNotFound:
		return codes.NotFound
	case portal.CodePermissionDenied:
		return codes.PermissionDenied
	case portal.CodeUnauthenticated:
		return codes.Unauthenticated
	case portal.CodeConflict:
		return codes.Aborted
	}
	return codes.Internal
}

func invalid(msg string) error {
	return grpcstatus.Error(codes.InvalidArgument, msg)
}
