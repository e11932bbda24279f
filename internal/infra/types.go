package infra

import (
	"context"
	"errors"
	"strings"
)

// Deployer provisions and tears down the infrastructure stack behind one
// room's channel stack.
type Deployer interface {
	// Deploy submits the stack. Outputs may be empty while creation is still
	// in progress.
	Deploy(ctx context.Context, spec StackSpec) (Deployment, error)
	// Describe returns nil when the stack is unknown.
	Describe(ctx context.Context, stackName string) (*StackDescription, error)
	// Destroy requests teardown. Unknown stacks are treated as already gone.
	Destroy(ctx context.Context, stackName string) error
}

// ErrDeployerDisabled is returned by NoopDeployer.Deploy.
var ErrDeployerDisabled = errors.New("infrastructure deployer not configured")

type StackStatus string

const (
	StatusCreateInProgress   StackStatus = "CREATE_IN_PROGRESS"
	StatusCreateComplete     StackStatus = "CREATE_COMPLETE"
	StatusCreateFailed       StackStatus = "CREATE_FAILED"
	StatusRollbackInProgress StackStatus = "ROLLBACK_IN_PROGRESS"
	StatusRollbackComplete   StackStatus = "ROLLBACK_COMPLETE"
	StatusRollbackFailed     StackStatus = "ROLLBACK_FAILED"
	StatusDeleteInProgress   StackStatus = "DELETE_IN_PROGRESS"
	StatusDeleteComplete     StackStatus = "DELETE_COMPLETE"
	StatusDeleteFailed       StackStatus = "DELETE_FAILED"
)

// CreateFailed reports whether creation can no longer succeed.
func (s StackStatus) CreateFailed() bool {
	return s == StatusCreateFailed || strings.HasPrefix(string(s), "ROLLBACK_") ||
		strings.HasPrefix(string(s), "DELETE_")
}

// StackSpec identifies the pipeline to synthesize for a room.
type StackSpec struct {
	StackName       string
	RoomID          string
	ConferenceID    string
	NotificationARN string
	Tags            map[string]string
}

type Deployment struct {
	StackID string            `json:"stackId"`
	Status  StackStatus       `json:"status"`
	Outputs map[string]string `json:"outputs,omitempty"`
}

type StackDescription struct {
	StackID   string            `json:"stackId"`
	StackName string            `json:"stackName"`
	Status    StackStatus       `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	Outputs   map[string]string `json:"outputs,omitempty"`
}

// NoopDeployer stands in when no deployment endpoint is configured.
type NoopDeployer struct{}

func (NoopDeployer) Deploy(context.Context, StackSpec) (Deployment, error) {
	return Deployment{}, ErrDeployerDisabled
}

func (NoopDeployer) Describe(context.Context, string) (*StackDescription, error) {
	return nil, nil
}

func (NoopDeployer) Destroy(context.Context, string) error {
	return nil
}
