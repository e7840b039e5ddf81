package octopus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tejusbharadwaj/octoingest/internal/models"
)

// Kraken tokens are valid for an hour; used when the payload carries no exp.
const defaultTokenLifetime = time.Hour

// Token exchange error codes that mean the credential itself was refused.
// Any other code, throttling (KT-CT-1199) included, may clear on its own.
var credentialRejections = map[string]bool{
	"KT-CT-1135": true, // invalid API key
	"KT-CT-1138": true, // invalid email or password
}

const obtainTokenMutation = `mutation obtainKrakenToken($input: ObtainJSONWebTokenInput!) {
	obtainKrakenToken(input: $input) {
		token
		payload
	}
}`

type obtainTokenResponse struct {
	Data *struct {
		ObtainKrakenToken *struct {
			Token   string `json:"token"`
			Payload struct {
				Exp int64 `json:"exp"`
			} `json:"payload"`
		} `json:"obtainKrakenToken"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// Authenticate exchanges cred for a bearer token.
//
// ErrInvalidCredential is returned only when no credential is configured,
// the provider answers 401/403, or the exchange fails with a known
// credential rejection code. Everything else, throttling and unknown
// GraphQL errors included, is ErrTransient.
func (c *Client) Authenticate(ctx context.Context, cred models.Credential) (models.Token, error) {
	input := map[string]any{}
	switch {
	case cred.APIKey != "":
		input["APIKey"] = cred.APIKey
	case cred.Email != "" && cred.Password != "":
		input["email"] = cred.Email
		input["password"] = cred.Password
	default:
		return models.Token{}, fmt.Errorf("%w: no api key or email/password configured", ErrInvalidCredential)
	}

	body, err := c.postGraphQL(ctx, "", graphQLRequest{
		Query:         obtainTokenMutation,
		Variables:     map[string]any{"input": input},
		OperationName: "obtainKrakenToken",
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUnauthorized):
			return models.Token{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
		case errors.Is(err, ErrMalformedPage):
			return models.Token{}, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return models.Token{}, err
	}

	var resp obtainTokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.Token{}, fmt.Errorf("%w: decoding token response: %v", ErrTransient, err)
	}
	for _, e := range resp.Errors {
		if credentialRejections[e.Extensions.ErrorCode] {
			return models.Token{}, fmt.Errorf("%w: %s", ErrInvalidCredential, e)
		}
	}
	if len(resp.Errors) > 0 {
		return models.Token{}, fmt.Errorf("%w: %s", ErrTransient, resp.Errors[0])
	}
	if resp.Data == nil || resp.Data.ObtainKrakenToken == nil || resp.Data.ObtainKrakenToken.Token == "" {
		return models.Token{}, fmt.Errorf("%w: empty token received", ErrTransient)
	}

	tok := resp.Data.ObtainKrakenToken
	expiry := time.Now().Add(defaultTokenLifetime)
	if tok.Payload.Exp > 0 {
		expiry = time.Unix(tok.Payload.Exp, 0)
	}

	return models.Token{Value: tok.Token, Expiry: expiry}, nil
}
