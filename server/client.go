package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls a receiver over gRPC.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the receiver at target. Without options the
// connection is plaintext.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Load(ctx context.Context, req *LoadRequest) (*LoadResponse, error) {
	res := new(LoadResponse)
	if err := c.conn.Invoke(ctx, LoadProcedure, req, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Unload(ctx context.Context, req *UnloadRequest) (*UnloadResponse, error) {
	res := new(UnloadResponse)
	if err := c.conn.Invoke(ctx, UnloadProcedure, req, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	res := new(ListResponse)
	if err := c.conn.Invoke(ctx, ListProcedure, req, res); err != nil {
		return nil, err
	}
	return res, nil
}
