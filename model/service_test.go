package model

import "testing"

func TestAuthConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     AuthConfig
		wantErr bool
	}{
		{"none", AuthConfig{}, false},
		{"explicit none", AuthConfig{Type: AuthNone}, false},
		{"api key ok", AuthConfig{Type: AuthAPIKey, KeyName: "X-Api-Key", TokenSource: "abc"}, false},
		{"api key missing name", AuthConfig{Type: AuthAPIKey, TokenSource: "abc"}, true},
		{"api key bad location", AuthConfig{Type: AuthAPIKey, KeyName: "k", TokenSource: "v", Location: "BODY"}, true},
		{"jwt static", AuthConfig{Type: AuthJWTBearer, TokenSource: "tok"}, false},
		{"jwt minted", AuthConfig{Type: AuthJWTBearer, SigningSecret: "s3cret"}, false},
		{"jwt empty", AuthConfig{Type: AuthJWTBearer}, true},
		{"oauth2 ok", AuthConfig{Type: AuthOAuth2, TokenEndpoint: "http://idp/token", ClientID: "c"}, false},
		{"oauth2 missing endpoint", AuthConfig{Type: AuthOAuth2, ClientID: "c"}, true},
		{"cert ok", AuthConfig{Type: AuthCertificate, CertFile: "c.pem", KeyFile: "k.pem"}, false},
		{"cert missing key", AuthConfig{Type: AuthCertificate, CertFile: "c.pem"}, true},
		{"unknown", AuthConfig{Type: "KERBEROS"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSOAPErrorPaths_WithDefaults(t *testing.T) {
	p := SOAPErrorPaths{ReturnCode: "rc"}.WithDefaults()
	if p.ReturnCode != "rc" {
		t.Errorf("ReturnCode = %q, want rc", p.ReturnCode)
	}
	if p.ErrorDetail != "errorDetail" || p.SuccessCode != "0" {
		t.Errorf("defaults not applied: %+v", p)
	}
}

func TestProtocol_IsREST(t *testing.T) {
	if !ProtocolRESTJSON.IsREST() || !ProtocolRESTXML.IsREST() {
		t.Error("REST protocols should report IsREST")
	}
	if ProtocolSOAP.IsREST() || ProtocolProxyPass.IsREST() {
		t.Error("non-REST protocols should not report IsREST")
	}
}
