package openstack

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/gophercloud/utils/v2/openstack/clientconfig"
	yamlv2 "gopkg.in/yaml.v2"
	"k8s.io/klog/v2"

	"github.com/imagekeeper/imagekeeper/defaults"
	ikerrors "github.com/imagekeeper/imagekeeper/pkg/errors"
)

// Supported values of the auth_type parameter.
const (
	AuthV3Password              = "v3password"
	AuthV3Token                 = "v3token"
	AuthV3ApplicationCredential = "v3applicationcredential"
	AuthV3OIDCAccessToken       = "v3oidcaccesstoken"
	AuthCloud                   = "cloud"
)

var requiredOptions = map[string][]string{
	AuthV3Password: {
		"auth_url", "project_name", "project_domain_name",
		"username", "password", "user_domain_name",
	},
	AuthV3Token: {
		"auth_url", "project_name", "project_domain_name", "token",
	},
	AuthV3ApplicationCredential: {
		"auth_url", "application_credential_id", "application_credential_secret",
	},
	AuthV3OIDCAccessToken: {
		"auth_url", "project_name", "project_domain_name",
		"oidc_access_token", "oidc_identity_provider", "oidc_protocol",
	},
	AuthCloud: {
		"cloud",
	},
}

// cloudsFiles are searched in order when clouds_file is not set.
var cloudsFiles = []string{
	"clouds.yaml",
	filepath.Join(os.Getenv("HOME"), ".config", "openstack", "clouds.yaml"),
	"/etc/openstack/clouds.yaml",
}

// checkOptions returns the auth type after making sure every option it
// needs is set.
func (d *driver) checkOptions() (string, error) {
	authType := d.opts.String("auth_type")
	if authType == "" {
		return "", ikerrors.NewMissingConfigOption(d.opts.Name, "<unset>", []string{"auth_type"})
	}
	required, ok := requiredOptions[authType]
	if !ok {
		return "", ikerrors.NewUnknownAuthMethod(d.opts.Name, authType)
	}
	if missing := d.opts.Missing(required...); len(missing) > 0 {
		return "", ikerrors.NewMissingConfigOption(d.opts.Name, authType, missing)
	}
	return authType, nil
}

func (d *driver) authenticate(ctx context.Context) (*gophercloud.ProviderClient, error) {
	authType, err := d.checkOptions()
	if err != nil {
		return nil, err
	}
	klog.V(4).Infof("backend %s: requesting auth plugin %q", d.opts.Name, authType)

	if authType == AuthV3OIDCAccessToken {
		return d.authenticateOIDC(ctx)
	}

	clientOpts, err := d.clientOpts(authType)
	if err != nil {
		return nil, ikerrors.NewAuthFailed(d.opts.Name, err)
	}
	ao, err := clientconfig.AuthOptions(clientOpts)
	if err != nil {
		return nil, ikerrors.NewAuthFailed(d.opts.Name, err)
	}
	ao.AllowReauth = ao.TokenID == ""

	provider, err := openstack.NewClient(ao.IdentityEndpoint)
	if err != nil {
		return nil, ikerrors.NewAuthFailed(d.opts.Name, err)
	}
	provider.UserAgent.Prepend(defaults.UserAgent)
	if err := openstack.Authenticate(ctx, provider, *ao); err != nil {
		return nil, ikerrors.NewAuthFailed(d.opts.Name, err)
	}
	return provider, nil
}

func (d *driver) clientOpts(authType string) (*clientconfig.ClientOpts, error) {
	if authType == AuthCloud {
		cloud, err := d.loadCloud()
		if err != nil {
			return nil, err
		}
		if d.region == "" {
			d.region = cloud.RegionName
		}
		if d.availability == "" {
			d.availability = cloud.EndpointType
		}
		if d.availability == "" {
			d.availability = cloud.Interface
		}
		opts := &clientconfig.ClientOpts{
			AuthType:   cloud.AuthType,
			AuthInfo:   cloud.AuthInfo,
			RegionName: cloud.RegionName,
		}
		return opts, nil
	}

	return &clientconfig.ClientOpts{
		AuthType: clientconfig.AuthType(authType),
		AuthInfo: &clientconfig.AuthInfo{
			AuthURL:                     d.opts.String("auth_url"),
			Username:                    d.opts.String("username"),
			Password:                    d.opts.String("password"),
			UserDomainName:              d.opts.String("user_domain_name"),
			ProjectName:                 d.opts.String("project_name"),
			ProjectDomainName:           d.opts.String("project_domain_name"),
			Token:                       d.opts.String("token"),
			ApplicationCredentialID:     d.opts.String("application_credential_id"),
			ApplicationCredentialSecret: d.opts.String("application_credential_secret"),
		},
		RegionName: d.region,
	}, nil
}

// loadCloud reads the named cloud from a clouds.yaml file.
func (d *driver) loadCloud() (*clientconfig.Cloud, error) {
	name := d.opts.String("cloud")
	files := cloudsFiles
	if f := d.opts.String("clouds_file"); f != "" {
		files = []string{f}
	} else if f := os.Getenv("OS_CLIENT_CONFIG_FILE"); f != "" {
		files = []string{f}
	}

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		var clouds clientconfig.Clouds
		if err := yamlv2.Unmarshal(data, &clouds); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", f, err)
		}
		cloud, ok := clouds.Clouds[name]
		if !ok {
			return nil, fmt.Errorf("%s does not contain the cloud %q", f, name)
		}
		if cloud.AuthInfo == nil {
			return nil, fmt.Errorf("cloud %q in %s has no auth section", name, f)
		}
		return &cloud, nil
	}
	return nil, fmt.Errorf("no clouds.yaml found in %s", strings.Join(files, ", "))
}

// authenticateOIDC exchanges an OIDC access token for a Keystone token
// through the federation API, then scopes it to the project.
func (d *driver) authenticateOIDC(ctx context.Context) (*gophercloud.ProviderClient, error) {
	accessToken := d.opts.String("oidc_access_token")
	if err := checkTokenExpiry(accessToken, time.Now()); err != nil {
		return nil, ikerrors.NewAuthFailed(d.opts.Name, err)
	}

	authURL := d.opts.String("auth_url")
	provider, err := openstack.NewClient(authURL)
	if err != nil {
		return nil, ikerrors.NewAuthFailed(d.opts.Name, err)
	}
	provider.UserAgent.Prepend(defaults.UserAgent)

	endpoint := gophercloud.NormalizeURL(authURL)
	if !strings.HasSuffix(endpoint, "/v3/") {
		endpoint += "v3/"
	}
	federationURL := endpoint + fmt.Sprintf("OS-FEDERATION/identity_providers/%s/protocols/%s/auth",
		d.opts.String("oidc_identity_provider"), d.opts.String("oidc_protocol"))

	resp, err := provider.Request(ctx, http.MethodPost, federationURL, &gophercloud.RequestOpts{
		MoreHeaders: map[string]string{"Authorization": "Bearer " + accessToken},
		OkCodes:     []int{http.StatusCreated},
	})
	if err != nil {
		return nil, ikerrors.NewAuthFailed(d.opts.Name, fmt.Errorf("federated authentication: %w", err))
	}
	unscoped := resp.Header.Get("X-Subject-Token")
	if unscoped == "" {
		return nil, ikerrors.NewAuthFailed(d.opts.Name, fmt.Errorf("federated authentication returned no token"))
	}

	err = openstack.Authenticate(ctx, provider, gophercloud.AuthOptions{
		IdentityEndpoint: authURL,
		TokenID:          unscoped,
		Scope: &gophercloud.AuthScope{
			ProjectName: d.opts.String("project_name"),
			DomainName:  d.opts.String("project_domain_name"),
		},
	})
	if err != nil {
		return nil, ikerrors.NewAuthFailed(d.opts.Name, err)
	}
	return provider, nil
}

// checkTokenExpiry rejects a JWT access token whose exp claim is past.
// Opaque tokens are left to the identity provider.
func checkTokenExpiry(token string, now time.Time) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		klog.V(4).Infof("the OIDC access token is not a JWT, skipping the expiry check: %v", err)
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if now.After(exp.Time) {
		return fmt.Errorf("the OIDC access token expired at %s", exp.Time.UTC().Format(time.RFC3339))
	}
	return nil
}
