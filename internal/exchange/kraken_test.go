package exchange

import "testing"

func TestParseCredentials(t *testing.T) {
	creds, err := ParseCredentials(`{"api_key":"k","api_secret":"c2VjcmV0"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if creds.APIKey != "k" || creds.APISecret != "c2VjcmV0" {
		t.Errorf("unexpected credentials: %+v", creds)
	}

	for _, blob := range []string{``, `{}`, `{"api_key":"k"}`, `not json`} {
		if _, err := ParseCredentials(blob); err == nil {
			t.Errorf("expected error for blob %q", blob)
		}
	}
}

func TestEndpointName(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{derivPath + "/accounts", "accounts"},
		{derivPath + "/sendorder", "sendorder"},
		{derivPath + "/tickers/PF_XBTUSD", "tickers"},
		{historyPath + "/account-log", "account-log"},
		{"/other", "/other"},
	}
	for _, tc := range cases {
		if got := endpointName(tc.path); got != tc.want {
			t.Errorf("endpointName(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}
