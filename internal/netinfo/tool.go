package netinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Tool timeout bounds accepted from the model.
const (
	minToolTimeout = 15
	maxToolTimeout = 90
)

// QueryTool exposes the backend to the Realtime API as the
// consultar_mikrotik function.
type QueryTool struct {
	client *Client
}

// NewQueryTool wraps a backend client as a realtime tool.
func NewQueryTool(client *Client) *QueryTool {
	return &QueryTool{client: client}
}

// Name implements realtime.Tool.
func (t *QueryTool) Name() string { return "consultar_mikrotik" }

// Definition implements realtime.Tool.
func (t *QueryTool) Definition() map[string]any {
	return map[string]any{
		"type": "function",
		"name": t.Name(),
		"description": "Consulta información sobre routers MikroTik, clientes activos, " +
			"tráfico de red, interfaces, gateways y estado de la red. " +
			"Usa esta función cuando el usuario pregunte sobre: " +
			"clientes conectados, estado de routers, tráfico de red, " +
			"interfaces libres, gateways activos, o cualquier información " +
			"técnica de la infraestructura de red.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pregunta": map[string]any{
					"type": "string",
					"description": "La pregunta del usuario en lenguaje natural sobre la red MikroTik. " +
						"Ejemplos: '¿Cuántos clientes activos hay en router-146?', " +
						"'¿Qué routers están configurados?', " +
						"'¿Cuál es el tráfico de la interfaz WAN?'",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": "Tiempo máximo de espera en segundos (default: 60, rango: 15-90)",
					"default":     60,
					"minimum":     minToolTimeout,
					"maximum":     maxToolTimeout,
				},
			},
			"required": []string{"pregunta"},
		},
	}
}

// Execute implements realtime.Tool. The result is always a speakable
// Result; an error return is reserved for unparseable arguments.
func (t *QueryTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Pregunta string `json:"pregunta"`
		Timeout  int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("parsing tool arguments: %w", err)
	}

	timeout := time.Duration(params.Timeout) * time.Second
	if params.Timeout != 0 {
		if params.Timeout < minToolTimeout {
			timeout = minToolTimeout * time.Second
		} else if params.Timeout > maxToolTimeout {
			timeout = maxToolTimeout * time.Second
		}
	}

	return t.client.Query(ctx, params.Pregunta, timeout), nil
}
