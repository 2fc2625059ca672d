package runtime

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/workflows/internal/config"
	"github.com/drblury/workflows/internal/jsoncodec"
	"github.com/drblury/workflows/internal/logging"
	"github.com/drblury/workflows/transport"
)

// TransportInfo is the body served by the introspection API.
type TransportInfo struct {
	Backend      string           `json:"backend"`
	Connected    bool             `json:"connected"`
	Capabilities CapabilitiesInfo `json:"capabilities"`
}

// CapabilitiesInfo mirrors transport.Capabilities for JSON clients.
type CapabilitiesInfo struct {
	Name         string `json:"name"`
	Broadcast    bool   `json:"broadcast"`
	Temporary    bool   `json:"temporary"`
	Transactions bool   `json:"transactions"`
	Ack          bool   `json:"ack"`
	Nack         bool   `json:"nack"`
	Delay        bool   `json:"delay"`
	Retroactive  bool   `json:"retroactive"`
	Ordering     bool   `json:"ordering"`
	Tracing      bool   `json:"tracing"`
	Priority     bool   `json:"priority"`
}

func describe(conf *config.Config, tr transport.Transport) TransportInfo {
	caps := transport.CapabilitiesOf(tr)
	return TransportInfo{
		Backend:   conf.GetBackend(),
		Connected: tr.IsConnected(),
		Capabilities: CapabilitiesInfo{
			Name:         caps.Name,
			Broadcast:    caps.SupportsBroadcast,
			Temporary:    caps.SupportsTemporary,
			Transactions: caps.SupportsTransactions,
			Ack:          caps.SupportsAck,
			Nack:         caps.SupportsNack,
			Delay:        caps.SupportsDelay,
			Retroactive:  caps.SupportsRetroactive,
			Ordering:     caps.SupportsOrdering,
			Tracing:      caps.SupportsTracing,
			Priority:     caps.SupportsPriority,
		},
	}
}

// Handler serves "/api/transport" with the transport's backend, connection
// state and capabilities, and "/metrics" from gatherer when it is non-nil.
func Handler(conf *config.Config, tr transport.Transport, gatherer prometheus.Gatherer, log logging.ServiceLogger) http.Handler {
	log = logging.OrNop(log)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/transport", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if origin := allowedCORSOrigin(conf, r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodGet:
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := jsoncodec.Encode(w, describe(conf, tr)); err != nil {
			log.Error("Failed to encode transport info", err, nil)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	})
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func allowedCORSOrigin(conf *config.Config, requestOrigin string) string {
	for _, allowed := range conf.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
