package scpi

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestParseResource(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"TCPIP0::192.168.1.10::INSTR", "192.168.1.10:5555"},
		{"TCPIP::192.168.1.10::INSTR", "192.168.1.10:5555"},
		{"tcpip0::dp2031.local::inst0::INSTR", "dp2031.local:5555"},
		{"TCPIP0::10.0.0.5::5025::SOCKET", "10.0.0.5:5025"},
		{"tcp://10.0.0.5:7000", "10.0.0.5:7000"},
		{"10.0.0.5", "10.0.0.5:5555"},
		{"10.0.0.5:6000", "10.0.0.5:6000"},
	}
	for _, tc := range cases {
		got, err := ParseResource(tc.in)
		if err != nil {
			t.Fatalf("ParseResource(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseResource(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseResourceRejectsNonLAN(t *testing.T) {
	for _, in := range []string{
		"USB0::0x1AB1::0x0E11::DP8C123456789::INSTR",
		"ASRL1::INSTR",
		"GPIB0::5::INSTR",
	} {
		_, err := ParseResource(in)
		var uerr *UnsupportedResourceError
		if !errors.As(err, &uerr) {
			t.Fatalf("ParseResource(%q): expected UnsupportedResourceError, got %v", in, err)
		}
	}
	if _, err := ParseResource("TCPIP0::host::abc::SOCKET"); err == nil {
		t.Fatalf("expected error for bad port")
	}
	if _, err := ParseResource("  "); err == nil {
		t.Fatalf("expected error for empty resource")
	}
}

// fakeInstrument answers *IDN? and echoes "OK" for any other query. Writes
// are recorded.
func fakeInstrument(t *testing.T, ln net.Listener, got chan<- string, silent bool) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)
		got <- cmd
		if !strings.HasSuffix(cmd, "?") || silent {
			continue
		}
		if cmd == "*IDN?" {
			io.WriteString(conn, "RIGOL TECHNOLOGIES,DP832,DP8C0000001,00.01.16\r\n")
		} else {
			io.WriteString(conn, "4.2000\n")
		}
	}
}

func TestConnRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	got := make(chan string, 8)
	go fakeInstrument(t, ln, got, false)

	c, err := Dial(context.Background(), "tcp://"+ln.Addr().String(), time.Second, quietLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	idn, err := c.Query("*IDN?")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !strings.Contains(idn, "DP832") || strings.HasSuffix(idn, "\r") {
		t.Fatalf("unexpected idn %q", idn)
	}
	if err := c.Write(":OUTP CH1,ON"); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, err := c.Query(":MEAS:VOLT? CH1")
	if err != nil || v != "4.2000" {
		t.Fatalf("measure: %q %v", v, err)
	}

	want := []string{"*IDN?", ":OUTP CH1,ON", ":MEAS:VOLT? CH1"}
	for _, w := range want {
		if cmd := <-got; cmd != w {
			t.Fatalf("instrument saw %q, want %q", cmd, w)
		}
	}
}

func TestQueryTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	got := make(chan string, 8)
	go fakeInstrument(t, ln, got, true)

	c, err := Dial(context.Background(), "tcp://"+ln.Addr().String(), 50*time.Millisecond, quietLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	_, err = c.Query(":MEAS:CURR? CH1")
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected a timeout net.Error, got %v", err)
	}
}
