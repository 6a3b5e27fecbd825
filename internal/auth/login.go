package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
)

// ErrMissingCredentials is returned for incomplete login or refresh input.
var ErrMissingCredentials = errors.New("missing credentials")

// cognitoAPI is the slice of the Cognito client the login flow uses.
type cognitoAPI interface {
	InitiateAuth(ctx context.Context, params *cognitoidentityprovider.InitiateAuthInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.InitiateAuthOutput, error)
}

// LoginService exchanges user credentials and refresh tokens with Cognito
type LoginService struct {
	cognitoClient cognitoAPI
	clientID      string
}

// LoginRequest represents the login request payload
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RefreshRequest carries a refresh token to exchange for a new access token
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// LoginResponse represents the login response with tokens
type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int32  `json:"expires_in"`
	TokenType    string `json:"token_type"`

	// RefreshedAccessToken repeats AccessToken on refresh for clients that
	// read the camel-case field.
	RefreshedAccessToken string `json:"accessToken,omitempty"`
}

// NewLoginService creates a new login service for one user pool app client
func NewLoginService(cfg aws.Config, clientID string) *LoginService {
	return &LoginService{
		cognitoClient: cognitoidentityprovider.NewFromConfig(cfg),
		clientID:      clientID,
	}
}

// Authenticate performs username/password authentication
func (s *LoginService) Authenticate(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	if req.Username == "" || req.Password == "" {
		return nil, fmt.Errorf("username and password are required: %w", ErrMissingCredentials)
	}

	return s.initiate(ctx, types.AuthFlowTypeUserPasswordAuth, map[string]string{
		"USERNAME": req.Username,
		"PASSWORD": req.Password,
	})
}

// Refresh exchanges a refresh token for fresh access and ID tokens.
// Cognito does not rotate the refresh token, so the response omits it.
func (s *LoginService) Refresh(ctx context.Context, req *RefreshRequest) (*LoginResponse, error) {
	if req.RefreshToken == "" {
		return nil, fmt.Errorf("refresh token is required: %w", ErrMissingCredentials)
	}

	resp, err := s.initiate(ctx, types.AuthFlowTypeRefreshTokenAuth, map[string]string{
		"REFRESH_TOKEN": req.RefreshToken,
	})
	if err != nil {
		return nil, err
	}
	resp.RefreshedAccessToken = resp.AccessToken
	return resp, nil
}

func (s *LoginService) initiate(ctx context.Context, flow types.AuthFlowType, params map[string]string) (*LoginResponse, error) {
	result, err := s.cognitoClient.InitiateAuth(ctx, &cognitoidentityprovider.InitiateAuthInput{
		AuthFlow:       flow,
		ClientId:       aws.String(s.clientID),
		AuthParameters: params,
	})
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	if result.AuthenticationResult == nil {
		return nil, fmt.Errorf("unexpected authentication response")
	}

	response := &LoginResponse{
		TokenType: "Bearer",
		ExpiresIn: result.AuthenticationResult.ExpiresIn,
	}
	if result.AuthenticationResult.AccessToken != nil {
		response.AccessToken = *result.AuthenticationResult.AccessToken
	}
	if result.AuthenticationResult.IdToken != nil {
		response.IDToken = *result.AuthenticationResult.IdToken
	}
	if result.AuthenticationResult.RefreshToken != nil {
		response.RefreshToken = *result.AuthenticationResult.RefreshToken
	}

	return response, nil
}
