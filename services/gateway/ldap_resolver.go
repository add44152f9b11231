package gateway

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/config"
	"github.com/upb/assistant-auth-gateway/internal/observability"
	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/repositories"
	"github.com/upb/assistant-auth-gateway/services"
)

// Metadata keys set on identities resolved through LDAP
const (
	MetadataLDAPDN     = "ldap_dn"
	MetadataLDAPGroups = "ldap_groups"
)

var ldapAttributes = []string{"uid", "mail", "cn", "memberOf"}

// LDAPConn is the part of *ldap.Conn the resolver needs
type LDAPConn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// LDAPDialer opens a connection to the directory server
type LDAPDialer func() (LDAPConn, error)

// DialLDAP returns a dialer for cfg.Server bounded by cfg.Timeout
func DialLDAP(cfg config.LDAPConfig) LDAPDialer {
	return func() (LDAPConn, error) {
		conn, err := ldap.DialURL(cfg.Server, ldap.DialWithDialer(&net.Dialer{Timeout: cfg.Timeout}))
		if err != nil {
			return nil, err
		}
		conn.SetTimeout(cfg.Timeout)
		return conn, nil
	}
}

// LDAPResolver resolves mapped callers whose mapping carries a directory id and
// enriches them with the mail, cn and memberOf attributes of their LDAP entry.
//
// Callers without a directory id, without an LDAP entry, or looked up while
// the LDAP server fails are passed on (nil, nil) so a DirectoryResolver later
// in the chain answers from the mapping alone. Directory store errors abort
// the chain as usual.
type LDAPResolver struct {
	directory repositories.IdentityDirectory
	dial      LDAPDialer
	cfg       config.LDAPConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewLDAPResolver creates a resolver that searches cfg.BaseDN through dial
func NewLDAPResolver(directory repositories.IdentityDirectory, cfg config.LDAPConfig, dial LDAPDialer, logger *zap.Logger) *LDAPResolver {
	return &LDAPResolver{
		directory: directory,
		dial:      dial,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Resolve implements Resolver
func (r *LDAPResolver) Resolve(ctx context.Context, externalID string) (*models.IdentityContext, error) {
	mapping, err := r.directory.GetMapping(ctx, externalID)
	if err != nil {
		return nil, services.WrapStoreUnavailable("identity directory unavailable", err)
	}
	if mapping == nil || mapping.DirectoryID == "" {
		return nil, nil
	}

	log := observability.WithContext(ctx, r.logger).With(
		zap.String("external_id", externalID),
		zap.String("directory_id", mapping.DirectoryID))

	entry, err := r.lookup(mapping.DirectoryID)
	if err != nil {
		log.Warn("ldap lookup failed, falling back to mapping", zap.Error(err))
		return nil, nil
	}
	if entry == nil {
		log.Info("no ldap entry for directory id")
		return nil, nil
	}

	identity := mapping.ToContext(r.now().UTC())
	if mail := entry.GetAttributeValue("mail"); mail != "" {
		identity.Email = mail
	}
	if cn := entry.GetAttributeValue("cn"); cn != "" {
		identity.DisplayName = cn
	}
	if identity.Metadata == nil {
		identity.Metadata = make(map[string]string, 2)
	}
	identity.Metadata[MetadataLDAPDN] = entry.DN
	if groups := entry.GetAttributeValues("memberOf"); len(groups) > 0 {
		identity.Metadata[MetadataLDAPGroups] = strings.Join(groups, ";")
	}
	return identity, nil
}

// lookup binds with the service account and searches for uid.
// A missing entry yields (nil, nil).
func (r *LDAPResolver) lookup(uid string) (*ldap.Entry, error) {
	conn, err := r.dial()
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if r.cfg.BindDN != "" {
		if err := conn.Bind(r.cfg.BindDN, r.cfg.BindPassword); err != nil {
			return nil, fmt.Errorf("service bind: %w", err)
		}
	}

	req := ldap.NewSearchRequest(
		r.cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, int(r.cfg.Timeout.Seconds()), false,
		fmt.Sprintf("(uid=%s)", ldap.EscapeFilter(uid)),
		ldapAttributes,
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, fmt.Errorf("search: %w", err)
	}
	if len(res.Entries) == 0 {
		return nil, nil
	}
	return res.Entries[0], nil
}
