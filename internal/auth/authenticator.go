// Package auth validates bearer credentials at connection-open time and
// distinguishes tablet-scoped from user-scoped tokens.
package auth

import (
	"context"
	"crypto"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/signature-relay/backend/internal/model"
)

// TokenKind is the audience of a token: issued to a tablet device or to a
// staff user.
type TokenKind string

const (
	TokenKindTablet TokenKind = "tablet"
	TokenKindUser   TokenKind = "user"
)

// Reason identifies why authentication failed.
type Reason string

const (
	ReasonExpired                Reason = "expired"
	ReasonBadSignature           Reason = "bad signature"
	ReasonAudienceMismatch       Reason = "audience mismatch"
	ReasonDeviceMismatch         Reason = "device mismatch"
	ReasonTenantMismatch         Reason = "tenant mismatch"
	ReasonDeviceInactive         Reason = "device inactive"
	ReasonInsufficientPermission Reason = "insufficient permission"
)

// Error is an authentication fault with a specific reason. The connection
// carrying the token is closed and the fault is audited as a security
// violation.
type Error struct {
	Reason Reason
}

func (e *Error) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func fault(reason Reason) *Error {
	return &Error{Reason: reason}
}

// Claims are the verified contents of a connection token. Tablet tokens
// carry device and tenant ids; user tokens carry company, user, and role.
type Claims struct {
	jwt.RegisteredClaims
	Kind      TokenKind `json:"kind"`
	DeviceID  string    `json:"device_id,omitempty"`
	TenantID  string    `json:"tenant_id,omitempty"`
	CompanyID string    `json:"company_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	Role      string    `json:"role,omitempty"`
}

// workstationRoles are the user roles permitted to open a workstation
// connection.
var workstationRoles = map[string]bool{
	"advisor": true,
	"manager": true,
	"admin":   true,
}

// DeviceDirectory resolves a device id to its persisted directory record.
type DeviceDirectory interface {
	GetByID(ctx context.Context, id string) (*model.Device, error)
}

// Authenticator verifies token signatures and expiry, reads the kind claim,
// and checks tenant/device consistency against the device directory. It
// never partially authenticates: any failed check fails the whole handshake.
type Authenticator struct {
	publicKey crypto.PublicKey
	issuer    string
	devices   DeviceDirectory
}

// NewAuthenticator returns an Authenticator verifying RS256/ES256 tokens
// signed by the given key and issued by issuer.
func NewAuthenticator(publicKey crypto.PublicKey, issuer string, devices DeviceDirectory) *Authenticator {
	return &Authenticator{
		publicKey: publicKey,
		issuer:    issuer,
		devices:   devices,
	}
}

// Validate parses and verifies the token signature, expiry, and issuer, and
// returns its claims. It does not check audience fit for a particular
// endpoint; AuthenticateTablet and AuthenticateWorkstation do that.
func (a *Authenticator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); ok {
			return a.publicKey, nil
		}
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); ok {
			return a.publicKey, nil
		}
		return nil, fault(ReasonBadSignature)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fault(ReasonExpired)
		}
		return nil, fault(ReasonBadSignature)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fault(ReasonBadSignature)
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return nil, fault(ReasonBadSignature)
	}
	if claims.Kind != TokenKindTablet && claims.Kind != TokenKindUser {
		return nil, fault(ReasonAudienceMismatch)
	}

	return claims, nil
}

// AuthenticateTablet validates a tablet connection: the token must be
// tablet-scoped, its device id must match the URL-path device id, the
// claimed tenant must match the directory record, and the device must be
// active. Returns the claims and the directory record on success.
func (a *Authenticator) AuthenticateTablet(ctx context.Context, tokenString, pathDeviceID string) (*Claims, *model.Device, error) {
	claims, err := a.Validate(tokenString)
	if err != nil {
		return nil, nil, err
	}

	if claims.Kind != TokenKindTablet {
		return nil, nil, fault(ReasonAudienceMismatch)
	}
	if claims.DeviceID == "" || claims.DeviceID != pathDeviceID {
		return nil, nil, fault(ReasonDeviceMismatch)
	}

	device, err := a.devices.GetByID(ctx, claims.DeviceID)
	if err != nil {
		if errors.Is(err, model.ErrDeviceNotFound) {
			return nil, nil, fault(ReasonDeviceMismatch)
		}
		return nil, nil, err
	}
	if device.TenantID != claims.TenantID {
		return nil, nil, fault(ReasonTenantMismatch)
	}
	if !device.IsActive() {
		return nil, nil, fault(ReasonDeviceInactive)
	}

	return claims, device, nil
}

// AuthenticateWorkstation validates a workstation connection: the token must
// be user-scoped and carry a role permitted to connect.
func (a *Authenticator) AuthenticateWorkstation(tokenString string) (*Claims, error) {
	claims, err := a.Validate(tokenString)
	if err != nil {
		return nil, err
	}

	if claims.Kind != TokenKindUser {
		return nil, fault(ReasonAudienceMismatch)
	}
	if !workstationRoles[claims.Role] {
		return nil, fault(ReasonInsufficientPermission)
	}

	return claims, nil
}
