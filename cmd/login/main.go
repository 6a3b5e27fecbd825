// Command login is a standalone Lambda for POST /login and POST /refresh,
// for deployments that keep token exchange apart from the relay.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"

	"github.com/stefando/uploadRelay/internal/auth"
	"github.com/stefando/uploadRelay/internal/logging"
)

type authenticator interface {
	Authenticate(ctx context.Context, req *auth.LoginRequest) (*auth.LoginResponse, error)
	Refresh(ctx context.Context, req *auth.RefreshRequest) (*auth.LoginResponse, error)
}

func jsonResponse(status int, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

// handler processes the Lambda event directly without the chi router
func handler(svc authenticator) func(context.Context, events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return func(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		if request.HTTPMethod != http.MethodPost {
			return jsonResponse(http.StatusMethodNotAllowed, `{"error":"Method not allowed"}`), nil
		}

		var (
			resp *auth.LoginResponse
			err  error
		)
		if strings.HasSuffix(request.Path, "/refresh") {
			var req auth.RefreshRequest
			if err := json.Unmarshal([]byte(request.Body), &req); err != nil {
				return jsonResponse(http.StatusBadRequest, `{"error":"Invalid request body"}`), nil
			}
			resp, err = svc.Refresh(ctx, &req)
		} else {
			var req auth.LoginRequest
			if err := json.Unmarshal([]byte(request.Body), &req); err != nil {
				return jsonResponse(http.StatusBadRequest, `{"error":"Invalid request body"}`), nil
			}
			resp, err = svc.Authenticate(ctx, &req)
		}

		if errors.Is(err, auth.ErrMissingCredentials) {
			return jsonResponse(http.StatusBadRequest, `{"error":"Missing credentials"}`), nil
		}
		if err != nil {
			logging.Info("authentication failed", zap.String("path", request.Path), zap.Error(err))
			return jsonResponse(http.StatusUnauthorized, `{"error":"Authentication failed"}`), nil
		}

		body, err := json.Marshal(resp)
		if err != nil {
			logging.Error("failed to marshal response", zap.Error(err))
			return jsonResponse(http.StatusInternalServerError, `{"error":"Internal server error"}`), nil
		}
		return jsonResponse(http.StatusOK, string(body)), nil
	}
}

func main() {
	_ = logging.Init(logging.Config{Level: os.Getenv("LOG_LEVEL"), Format: "json"})
	defer func() { _ = logging.Sync() }()

	clientID := os.Getenv("COGNITO_CLIENT_ID")
	if clientID == "" {
		logging.Fatal("COGNITO_CLIENT_ID environment variable not set")
	}

	cfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		logging.Fatal("failed to load AWS config", zap.Error(err))
	}

	logging.Info("login service initialized", zap.String("client_id", clientID))
	lambda.Start(handler(auth.NewLoginService(cfg, clientID)))
}
