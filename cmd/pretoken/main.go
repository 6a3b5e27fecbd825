// Command pretoken is the Cognito pre-token-generation trigger (V2_0 events)
// that copies the user's email attribute into access tokens, where the
// relay reads it from the bearer token.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/stefando/uploadRelay/internal/logging"
)

// emailOverride is merged into the event response. Decoding into the
// existing response keeps claims added by earlier triggers.
type emailOverride struct {
	ClaimsAndScopeOverrideDetails struct {
		AccessTokenGeneration struct {
			ClaimsToAddOrOverride map[string]string `json:"claimsToAddOrOverride"`
		} `json:"accessTokenGeneration"`
	} `json:"claimsAndScopeOverrideDetails"`
}

// HandleRequest processes the Cognito Pre Token Generation V2_0 event
func HandleRequest(ctx context.Context, event events.CognitoEventUserPoolsPreTokenGenV2_0) (events.CognitoEventUserPoolsPreTokenGenV2_0, error) {
	email := event.Request.UserAttributes["email"]
	if email == "" {
		logging.Info("user has no email attribute, skipping claim", zap.String("user", event.UserName))
		return event, nil
	}

	var patch emailOverride
	patch.ClaimsAndScopeOverrideDetails.AccessTokenGeneration.ClaimsToAddOrOverride = map[string]string{"email": email}
	data, err := json.Marshal(patch)
	if err != nil {
		return event, fmt.Errorf("encode claim override: %w", err)
	}
	if err := json.Unmarshal(data, &event.Response); err != nil {
		return event, fmt.Errorf("apply claim override: %w", err)
	}

	logging.Info("added email claim to access token", zap.String("user", event.UserName))
	return event, nil
}

func main() {
	_ = logging.Init(logging.Config{Level: os.Getenv("LOG_LEVEL"), Format: "json"})
	defer func() { _ = logging.Sync() }()

	lambda.Start(HandleRequest)
}
