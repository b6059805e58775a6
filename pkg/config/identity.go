package config

import "github.com/google/uuid"

// generateGatewayID produces a fallback gateway identifier when GATEWAY_ID is
// unset. Production deployments should always set GATEWAY_ID explicitly (pod
// name, hostname) so lease ownership survives process restarts sanely.
func generateGatewayID() string {
	return "gw-" + uuid.NewString()
}
