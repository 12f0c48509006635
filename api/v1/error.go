package api_v1

import (
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	status "google.golang.org/grpc/status"
)

func localized(code codes.Code, msg string, details ...*errdetails.ErrorInfo) *status.Status {
	st := status.New(code, msg)
	d := &errdetails.LocalizedMessage{
		Locale:  "en-US",
		Message: msg,
	}
	std, err := st.WithDetails(d)
	if err != nil {
		return st
	}
	for _, info := range details {
		if withInfo, err := std.WithDetails(info); err == nil {
			std = withInfo
		}
	}
	return std
}

// RuleEvaluationError fails a submission. It never falls back to an
// approval-free plan.
type RuleEvaluationError struct {
	TemplateId string
	Table      string
	Rule       string
	Reason     string
}

func (e RuleEvaluationError) GRPCStatus() *status.Status {
	return localized(codes.InvalidArgument, e.message(), &errdetails.ErrorInfo{
		Reason: "RULE_EVALUATION",
		Domain: "approvy",
		Metadata: map[string]string{
			"template": e.TemplateId,
			"table":    e.Table,
			"rule":     e.Rule,
		},
	})
}

func (e RuleEvaluationError) message() string {
	where := e.TemplateId
	if e.Table != "" {
		where = fmt.Sprintf("%s table=%s", where, e.Table)
	}
	if e.Rule != "" {
		where = fmt.Sprintf("%s rule=%s", where, e.Rule)
	}
	return fmt.Sprintf("rule evaluation failed for template %s: %s", where, e.Reason)
}

func (e RuleEvaluationError) Error() string {
	return e.message()
}

type AgentExecutionError struct {
	Agent  string
	Reason string
}

func (e AgentExecutionError) GRPCStatus() *status.Status {
	return localized(codes.Unavailable, e.Error())
}

func (e AgentExecutionError) Error() string {
	return fmt.Sprintf("agent %s failed: %s", e.Agent, e.Reason)
}

// ConcurrencyConflictError means an optimistic version check lost a race.
// Callers reload and retry.
type ConcurrencyConflictError struct {
	Aggregate string
	Id        string
}

func (e ConcurrencyConflictError) GRPCStatus() *status.Status {
	return localized(codes.Aborted, e.Error())
}

func (e ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrent modification of %s %s", e.Aggregate, e.Id)
}

type PublishError struct {
	EventId string
	Reason  string
}

func (e PublishError) GRPCStatus() *status.Status {
	return localized(codes.Unavailable, e.Error())
}

func (e PublishError) Error() string {
	return fmt.Sprintf("publishing event %s failed: %s", e.EventId, e.Reason)
}

type TaskNotPendingError struct {
	TaskId string
	Status string
}

func (e TaskNotPendingError) GRPCStatus() *status.Status {
	return localized(codes.FailedPrecondition, e.Error())
}

func (e TaskNotPendingError) Error() string {
	return fmt.Sprintf("task %s is %s, not PENDING", e.TaskId, e.Status)
}

type UnauthorizedActorError struct {
	ActorId      string
	RequiredRole string
}

func (e UnauthorizedActorError) GRPCStatus() *status.Status {
	return localized(codes.PermissionDenied, e.Error())
}

func (e UnauthorizedActorError) Error() string {
	return fmt.Sprintf("actor %s lacks required role %s", e.ActorId, e.RequiredRole)
}

type InvalidTransitionError struct {
	WorkflowId string
	From       string
	To         string
}

func (e InvalidTransitionError) GRPCStatus() *status.Status {
	return localized(codes.FailedPrecondition, e.Error())
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("workflow %s can not move from %s to %s", e.WorkflowId, e.From, e.To)
}

type NotFoundError struct {
	Kind string
	Id   string
}

func (e NotFoundError) GRPCStatus() *status.Status {
	return localized(codes.NotFound, e.Error())
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Id)
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) GRPCStatus() *status.Status {
	return localized(codes.InvalidArgument, e.Error())
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StatusOf finds the status carried anywhere in err's chain. Errors without
// one are reported as Internal.
func StatusOf(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	var se interface{ GRPCStatus() *status.Status }
	if errors.As(err, &se) {
		return se.GRPCStatus()
	}
	return status.New(codes.Internal, err.Error())
}

func IsConflict(err error) bool {
	var ce ConcurrencyConflictError
	return errors.As(err, &ce)
}

func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}
