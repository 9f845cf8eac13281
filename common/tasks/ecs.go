package tasks

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/anthive/orchestrator/common/faults"
)

// ECSLauncher runs tasks on an ECS cluster via RunTask. The returned
// task id is the task ARN.
type ECSLauncher struct {
	client    *ecs.Client
	cluster   string
	container string
	log       Logger
}

// NewECSLauncher creates an ECS-backed launcher. container names the
// container within the task definition that receives env and command
// overrides and whose exit code stands for the task.
func NewECSLauncher(client *ecs.Client, cluster, container string, log Logger) *ECSLauncher {
	return &ECSLauncher{
		client:    client,
		cluster:   cluster,
		container: container,
		log:       log,
	}
}

// Launch submits a RunTask call and returns the task ARN
func (l *ECSLauncher) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	if err := spec.Check(); err != nil {
		return "", err
	}

	env := make([]types.KeyValuePair, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, types.KeyValuePair{Name: aws.String(k), Value: aws.String(v)})
	}

	override := types.ContainerOverride{
		Name:        aws.String(l.container),
		Environment: env,
	}
	if len(spec.Command) > 0 {
		override.Command = spec.Command
	}

	out, err := l.client.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(l.cluster),
		TaskDefinition: aws.String(spec.TaskDefinition),
		Count:          aws.Int32(1),
		Overrides: &types.TaskOverride{
			ContainerOverrides: []types.ContainerOverride{override},
		},
	})
	if err != nil {
		return "", faults.Transient(err, "ecs run task")
	}
	if len(out.Failures) > 0 {
		f := out.Failures[0]
		return "", faults.Transient(nil, "ecs refused task: %s (%s)",
			aws.ToString(f.Reason), aws.ToString(f.Detail))
	}
	if len(out.Tasks) == 0 {
		return "", faults.Permanent(nil, "ecs run task returned no tasks and no failures")
	}

	arn := aws.ToString(out.Tasks[0].TaskArn)
	l.log.Info("launched ecs task", "task_arn", arn, "task_definition", spec.TaskDefinition)
	return arn, nil
}

// Status maps the ECS task lifecycle onto the launcher states. The exit
// code is taken from the configured container.
func (l *ECSLauncher) Status(ctx context.Context, id string) (Status, error) {
	out, err := l.client.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(l.cluster),
		Tasks:   []string{id},
	})
	if err != nil {
		return Status{}, faults.Transient(err, "ecs describe task")
	}
	if len(out.Tasks) == 0 {
		for _, f := range out.Failures {
			if strings.Contains(aws.ToString(f.Reason), "MISSING") {
				return Status{}, faults.NotFound("ecs task %s not found", id)
			}
		}
		return Status{}, faults.Transient(nil, "ecs task %s not described", id)
	}

	task := out.Tasks[0]
	switch aws.ToString(task.LastStatus) {
	case "PROVISIONING", "PENDING", "ACTIVATING":
		return Status{State: StatePending}, nil
	case "STOPPED":
		st := Status{
			State:    StateStopped,
			Done:     true,
			ExitCode: -1,
			Reason:   aws.ToString(task.StoppedReason),
		}
		for _, c := range task.Containers {
			if aws.ToString(c.Name) == l.container && c.ExitCode != nil {
				st.ExitCode = int(aws.ToInt32(c.ExitCode))
			}
		}
		return st, nil
	default:
		// RUNNING, DEACTIVATING, STOPPING, DEPROVISIONING
		return Status{State: StateRunning}, nil
	}
}

// Stop requests task termination. ECS delivers SIGTERM and escalates
// to SIGKILL after the cluster stop timeout on its own.
func (l *ECSLauncher) Stop(ctx context.Context, id string, reason string) error {
	_, err := l.client.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(l.cluster),
		Task:    aws.String(id),
		Reason:  aws.String(reason),
	})
	if err != nil {
		return faults.Transient(err, "ecs stop task")
	}
	l.log.Info("stopping ecs task", "task_arn", id, "reason", reason)
	return nil
}
