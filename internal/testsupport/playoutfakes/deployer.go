package playoutfakes

import (
	"context"
	"sync"

	"github.com/clowdr-app/clowdr-sub007/internal/infra"
)

// Deployer is an infra.Deployer keeping stacks in memory. Deploy reports
// CREATE_IN_PROGRESS unless CompleteOnDeploy is set, in which case the stack
// is created with StackOutputs immediately.
type Deployer struct {
	mu        sync.Mutex
	stacks    map[string]*infra.StackDescription
	deployed  []infra.StackSpec
	destroyed []string

	CompleteOnDeploy bool
	DeployErr        error
	DescribeErr      error
	DestroyErr       error
	// Gate, when non-nil, blocks Deploy until it is closed.
	Gate chan struct{}
}

var _ infra.Deployer = (*Deployer)(nil)

func NewDeployer() *Deployer {
	return &Deployer{stacks: make(map[string]*infra.StackDescription)}
}

// StackOutputs returns a complete output set for stackName with attachment
// names following the stack naming convention.
func StackOutputs(stackName string) map[string]string {
	return map[string]string{
		infra.OutputChannelID:             "channel-" + stackName,
		infra.OutputRTMPAInputID:          "input-a-" + stackName,
		infra.OutputRTMPAInputURI:         "rtmp://ingest.example/a/" + stackName,
		infra.OutputRTMPBInputID:          "input-b-" + stackName,
		infra.OutputRTMPBInputURI:         "rtmp://ingest.example/b/" + stackName,
		infra.OutputMP4InputID:            "input-mp4-" + stackName,
		infra.OutputLoopingInputID:        "input-loop-" + stackName,
		infra.OutputRTMPAAttachmentName:   stackName + infra.SuffixRTMPA,
		infra.OutputRTMPBAttachmentName:   stackName + infra.SuffixRTMPB,
		infra.OutputMP4AttachmentName:     stackName + infra.SuffixMP4,
		infra.OutputLoopingAttachmentName: stackName + infra.SuffixLooping,
		infra.OutputPackagingChannelID:    "package-" + stackName,
		infra.OutputEndpointURI:           "https://packager.example/" + stackName + "/index.m3u8",
		infra.OutputCloudFrontDomain:      stackName + ".cdn.example",
	}
}

// StackID is the id the fake assigns to stackName.
func StackID(stackName string) string {
	return "arn:stack/" + stackName
}

// SetStack registers a stack description directly.
func (d *Deployer) SetStack(desc infra.StackDescription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copyDesc := desc
	d.stacks[desc.StackName] = &copyDesc
}

// Deployed returns every spec passed to Deploy.
func (d *Deployer) Deployed() []infra.StackSpec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]infra.StackSpec(nil), d.deployed...)
}

// Destroyed returns every stack name passed to Destroy.
func (d *Deployer) Destroyed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.destroyed...)
}

func (d *Deployer) Deploy(ctx context.Context, spec infra.StackSpec) (infra.Deployment, error) {
	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return infra.Deployment{}, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deployed = append(d.deployed, spec)
	if d.DeployErr != nil {
		return infra.Deployment{}, d.DeployErr
	}
	desc := &infra.StackDescription{
		StackID:   StackID(spec.StackName),
		StackName: spec.StackName,
		Status:    infra.StatusCreateInProgress,
	}
	if d.CompleteOnDeploy {
		desc.Status = infra.StatusCreateComplete
		desc.Outputs = StackOutputs(spec.StackName)
	}
	d.stacks[spec.StackName] = desc
	return infra.Deployment{StackID: desc.StackID, Status: desc.Status, Outputs: desc.Outputs}, nil
}

func (d *Deployer) Describe(ctx context.Context, stackName string) (*infra.StackDescription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DescribeErr != nil {
		return nil, d.DescribeErr
	}
	desc, ok := d.stacks[stackName]
	if !ok {
		return nil, nil
	}
	copyDesc := *desc
	return &copyDesc, nil
}

func (d *Deployer) Destroy(ctx context.Context, stackName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = append(d.destroyed, stackName)
	if d.DestroyErr != nil {
		return d.DestroyErr
	}
	if desc, ok := d.stacks[stackName]; ok {
		desc.Status = infra.StatusDeleteInProgress
	}
	return nil
}
