package addr

import "testing"

func TestParseMonetAddrUnix(t *testing.T) {
	for _, s := range []string{"/tmp/mapi.sock", "./relative/sock", `C:\weird\path`} {
		a, err := ParseMonetAddr(s)
		if err != nil {
			t.Fatalf("ParseMonetAddr(%q): %v", s, err)
		}
		if !a.IsUnix() {
			t.Errorf("ParseMonetAddr(%q).IsUnix() = false, want true", s)
		}
		if a.String() != s {
			t.Errorf("String() = %q, want %q", a.String(), s)
		}
	}
}

func TestParseMonetAddrPortOnly(t *testing.T) {
	a, err := ParseMonetAddr("50000")
	if err != nil {
		t.Fatalf("ParseMonetAddr: %v", err)
	}
	if a.IsUnix() {
		t.Errorf("50000 parsed as unix")
	}
	if a.String() != "50000" {
		t.Errorf("String() = %q, want %q", a.String(), "50000")
	}
}

func TestParseMonetAddrHostPort(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"localhost:50000", "localhost:50000"},
		{"127.0.0.1:50000", "127.0.0.1:50000"},
		{"[::1]:50000", "[::1]:50000"},
		{"db.example.com:50000", "db.example.com:50000"},
	}
	for _, c := range cases {
		a, err := ParseMonetAddr(c.in)
		if err != nil {
			t.Fatalf("ParseMonetAddr(%q): %v", c.in, err)
		}
		if a.IsUnix() {
			t.Errorf("%q parsed as unix", c.in)
		}
		if got := a.String(); got != c.want {
			t.Errorf("ParseMonetAddr(%q).String() = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseMonetAddrRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", ":", "host:", "host:notaport", "-bad-host:50000"} {
		if _, err := ParseMonetAddr(s); err == nil {
			t.Errorf("ParseMonetAddr(%q) succeeded, want error", s)
		}
	}
}

func TestResolveUnix(t *testing.T) {
	a, err := ParseMonetAddr("/tmp/mapi.sock")
	if err != nil {
		t.Fatal(err)
	}
	addrs, err := a.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 || !addrs[0].IsUnix() || addrs[0].String() != "/tmp/mapi.sock" {
		t.Errorf("Resolve() = %+v, want single unix addr", addrs)
	}
}

func TestResolvePortOnlyGivesLocalhostAndUnixSocket(t *testing.T) {
	a, err := ParseMonetAddr("50000")
	if err != nil {
		t.Fatal(err)
	}
	addrs, err := a.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) < 2 {
		t.Fatalf("Resolve() = %+v, want a unix candidate plus at least one localhost address", addrs)
	}
	if !addrs[0].IsUnix() {
		t.Errorf("Resolve()[0] = %v, want the unix candidate first", addrs[0])
	}
	if addrs[0].String() != "/tmp/.s.monetdb.50000" {
		t.Errorf("Resolve()[0].String() = %q, want %q", addrs[0].String(), "/tmp/.s.monetdb.50000")
	}
	for _, ra := range addrs[1:] {
		if ra.IsUnix() {
			t.Errorf("Resolve() produced more than one unix addr: %v", ra)
		}
		if tcp, ok := ra.TCP(); !ok || tcp.Port != 50000 {
			t.Errorf("Resolve() addr %v has wrong port", ra)
		}
	}
}

func TestResolveLiteralIP(t *testing.T) {
	a, err := ParseMonetAddr("127.0.0.1:50000")
	if err != nil {
		t.Fatal(err)
	}
	addrs, err := a.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 {
		t.Fatalf("Resolve() = %+v, want exactly one address", addrs)
	}
	tcp, ok := addrs[0].TCP()
	if !ok || tcp.IP.String() != "127.0.0.1" || tcp.Port != 50000 {
		t.Errorf("Resolve() = %+v, want 127.0.0.1:50000", addrs[0])
	}
}
