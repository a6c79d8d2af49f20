package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kelpejol/creditgate/internal/generation"
	"github.com/kelpejol/creditgate/internal/ledger"
)

// Client calls GenerationService over an established connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) call(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return err
	}
	return decode(out, resp)
}

// SubmitGeneration submits a generation.
func (c *Client) SubmitGeneration(ctx context.Context, req SubmitGenerationRequest, opts ...grpc.CallOption) (generation.Submission, error) {
	var out generation.Submission
	err := c.call(ctx, "SubmitGeneration", req, &out, opts...)
	return out, err
}

// PollStatus probes a generation's provider status.
func (c *Client) PollStatus(ctx context.Context, ref GenerationRef, opts ...grpc.CallOption) (StatusResponse, error) {
	var out StatusResponse
	err := c.call(ctx, "PollStatus", ref, &out, opts...)
	return out, err
}

// FetchResult reconciles a generation.
func (c *Client) FetchResult(ctx context.Context, ref GenerationRef, opts ...grpc.CallOption) (generation.Result, error) {
	var out generation.Result
	err := c.call(ctx, "FetchResult", ref, &out, opts...)
	return out, err
}

// GetAccount reads an account.
func (c *Client) GetAccount(ctx context.Context, userID string, opts ...grpc.CallOption) (ledger.Account, error) {
	var out ledger.Account
	err := c.call(ctx, "GetAccount", AccountRequest{UserID: userID}, &out, opts...)
	return out, err
}

// ReconcileAccount audits an account against its ledger.
func (c *Client) ReconcileAccount(ctx context.Context, userID string, opts ...grpc.CallOption) (ledger.Reconciliation, error) {
	var out ledger.Reconciliation
	err := c.call(ctx, "ReconcileAccount", AccountRequest{UserID: userID}, &out, opts...)
	return out, err
}
