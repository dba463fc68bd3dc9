package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"credx/cmd/internal/secret"
	"credx/crypto"
)

const (
	defaultSecretEnv = "CREDX_JWT_SECRET"
	defaultIssuer    = "credx"
	defaultAudience  = "creditd"
	defaultTTL       = time.Hour
)

var knownScopes = map[string]struct{}{
	"credit:admin":  {},
	"credit:keeper": {},
	"credit:oracle": {},
}

func main() {
	fs := flag.NewFlagSet("credx-token", flag.ExitOnError)
	subject := fs.String("subject", "", "Caller address (bech32) placed in the sub claim")
	scopes := fs.String("scopes", "", "Comma separated scopes: credit:admin, credit:keeper, credit:oracle")
	issuer := fs.String("issuer", defaultIssuer, "Issuer claim")
	audience := fs.String("audience", defaultAudience, "Audience claim")
	ttl := fs.Duration("ttl", defaultTTL, "Token lifetime")
	secretEnv := fs.String("secret-env", defaultSecretEnv, "Environment variable holding the signing secret")
	_ = fs.Parse(os.Args[1:])

	token, err := mint(mintRequest{
		Subject:  *subject,
		Scopes:   *scopes,
		Issuer:   *issuer,
		Audience: *audience,
		TTL:      *ttl,
		Now:      time.Now(),
	}, secret.NewSource(*secretEnv))
	if err != nil {
		fmt.Fprintf(os.Stderr, "credx-token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

type mintRequest struct {
	Subject  string
	Scopes   string
	Issuer   string
	Audience string
	TTL      time.Duration
	Now      time.Time
}

type secretSource interface {
	Get() (string, error)
}

func mint(req mintRequest, source secretSource) (string, error) {
	subject := strings.TrimSpace(req.Subject)
	if _, err := crypto.DecodeAddress(subject); err != nil {
		return "", fmt.Errorf("subject: %w", err)
	}
	scopes, err := parseScopes(req.Scopes)
	if err != nil {
		return "", err
	}
	if req.TTL <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	key, err := source.Get()
	if err != nil {
		return "", err
	}
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": req.Now.Unix(),
		"exp": req.Now.Add(req.TTL).Unix(),
	}
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}
	if v := strings.TrimSpace(req.Issuer); v != "" {
		claims["iss"] = v
	}
	if v := strings.TrimSpace(req.Audience); v != "" {
		claims["aud"] = v
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}

func parseScopes(raw string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		scope := strings.ToLower(strings.TrimSpace(part))
		if scope == "" {
			continue
		}
		if _, ok := knownScopes[scope]; !ok {
			return nil, fmt.Errorf("unknown scope %q", scope)
		}
		out = append(out, scope)
	}
	return out, nil
}
