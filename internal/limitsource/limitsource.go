// Package limitsource loads the limiter configuration from an SSM parameter
// so a fleet of instances can share one source of truth for N and W.
package limitsource

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/xerrors"
)

// SSMAPI is the subset of *ssm.Client used here.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

var _ SSMAPI = (*ssm.Client)(nil)

// Limits mirrors the /api/ratelimit/config response body.
type Limits struct {
	RequestLimit        int     `json:"requestLimit"`
	WindowSizeInSeconds float64 `json:"windowSizeInSeconds"`
}

func (l Limits) Window() time.Duration {
	return time.Duration(l.WindowSizeInSeconds * float64(time.Second))
}

func (l Limits) Validate() error {
	if l.RequestLimit < 1 {
		return xerrors.Newf("requestLimit must be at least 1 (got %d)", l.RequestLimit)
	}
	if l.Window() < time.Millisecond {
		return xerrors.Newf("windowSizeInSeconds must be at least 0.001 (got %g)", l.WindowSizeInSeconds)
	}
	return nil
}

// NewSSMClient builds a client from the default AWS credential chain.
// appID is appended to the SDK user agent.
func NewSSMClient(ctx context.Context, appID string) (*ssm.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithAppID(appID))
	if err != nil {
		return nil, xerrors.Wrap(err, "load AWS config")
	}
	return ssm.NewFromConfig(awsCfg), nil
}

// Fetch reads and validates the limits held in the named parameter.
func Fetch(ctx context.Context, api SSMAPI, name string) (Limits, error) {
	if name == "" {
		return Limits{}, xerrors.New("ssm parameter name is required")
	}
	out, err := api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return Limits{}, xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return Limits{}, xerrors.Newf("SSM parameter %s has no value", name)
	}

	raw := strings.TrimSpace(*out.Parameter.Value)
	if raw == "" {
		return Limits{}, xerrors.Newf("SSM parameter %s is empty", name)
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	var l Limits
	if err := dec.Decode(&l); err != nil {
		return Limits{}, xerrors.Wrapf(err, "decode SSM parameter %s", name)
	}
	if err := l.Validate(); err != nil {
		return Limits{}, xerrors.Wrapf(err, "SSM parameter %s", name)
	}
	return l, nil
}
