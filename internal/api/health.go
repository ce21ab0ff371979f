package api

import (
	"github.com/mariankugiel/patient-web-app-sub002/internal/bus"
	"github.com/mariankugiel/patient-web-app-sub002/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthReporter mirrors the push connection state into the standard gRPC
// health service: SERVING while connected, NOT_SERVING otherwise.
type HealthReporter struct {
	server *health.Server
	sub    *bus.Subscription
	logger *zap.Logger
	done   chan struct{}
}

// NewHealthReporter starts tracking connection state changes on b.
func NewHealthReporter(hs *health.Server, b *bus.Bus, initial status.State, logger *zap.Logger) *HealthReporter {
	h := &HealthReporter{
		server: hs,
		sub:    b.Subscribe(bus.KindChannelStatus, 16),
		logger: logger,
		done:   make(chan struct{}),
	}
	h.set(initial)
	go h.run()
	return h
}

// Stop detaches from the bus and marks the service as not serving.
func (h *HealthReporter) Stop() {
	select {
	case <-h.done:
		return
	default:
	}
	close(h.done)
	h.sub.Unsubscribe()
	h.server.Shutdown()
}

func (h *HealthReporter) run() {
	for {
		select {
		case evt := <-h.sub.C:
			if change, ok := evt.Payload.(status.StatusChange); ok {
				h.set(change.To)
			}
		case <-h.done:
			return
		}
	}
}

func (h *HealthReporter) set(state status.State) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if state == status.Connected {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus("", st)
	h.server.SetServingStatus(ServiceName, st)
	h.logger.Debug("health updated", zap.String("state", string(state)), zap.String("health", st.String()))
}
