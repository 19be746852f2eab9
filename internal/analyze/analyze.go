package analyze

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os/exec"
	"strings"

	"github.com/jaxxstorm/gatediag/internal/model"
)

type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeTimeout           Outcome = "timeout"
	OutcomeConnectionError   Outcome = "connection_error"
	OutcomeTLSError          Outcome = "tls_error"
	OutcomeProtocolError     Outcome = "protocol_error"
	OutcomeProtocolRejection Outcome = "protocol_rejection"
	OutcomeOSQueryFailure    Outcome = "os_query_failure"
	OutcomeUnknownError      Outcome = "unknown_error"
)

const (
	CensusLeakThreshold    = 4
	ConcurrentSuccessFloor = 0.8
)

// Classify maps an error from a network or OS call onto the outcome taxonomy.
// A nil error is a success. Cancellation by the caller is not a network
// failure and maps to unknown_error.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeUnknownError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}
	if isTLSError(err) {
		return OutcomeTLSError
	}
	var execErr *exec.Error
	var exitErr *exec.ExitError
	if errors.As(err, &execErr) || errors.As(err, &exitErr) {
		return OutcomeOSQueryFailure
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	var urlErr *url.Error
	switch {
	case errors.As(err, &opErr), errors.As(err, &dnsErr):
		return OutcomeConnectionError
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return OutcomeConnectionError
	case errors.As(err, &urlErr):
		return OutcomeConnectionError
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "connection reset"):
		return OutcomeConnectionError
	case strings.Contains(msg, "tls"), strings.Contains(msg, "x509"), strings.Contains(msg, "certificate"):
		return OutcomeTLSError
	}
	return OutcomeUnknownError
}

func isTLSError(err error) bool {
	var recordErr tls.RecordHeaderError
	var verifyErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	return errors.As(err, &recordErr) ||
		errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr)
}

// Recommend evaluates the recommendation rules against each record in order.
func Recommend(records []model.TestRecord) []string {
	recs := []string{}
	for _, record := range records {
		switch result := record.Result.(type) {
		case model.DirectConnectionResult:
			if !result.Success {
				recs = append(recs, "Direct MQTT connection failed - check broker accessibility and firewall")
			}
		case model.CensusResult:
			if result.Count > CensusLeakThreshold {
				recs = append(recs, fmt.Sprintf("Too many MQTT connections (%d) - investigate possible connection leak", result.Count))
			}
		case model.ConcurrentResult:
			if result.Ratio() < ConcurrentSuccessFloor {
				recs = append(recs, fmt.Sprintf("Low connection success rate (%.1f%%) - broker may be overloaded", result.Ratio()*100))
			}
		}
	}
	return recs
}

// Succeeded reports the explicit success flag of a record. Records without
// one (concurrent_connections) report ok=false.
func Succeeded(record model.TestRecord) (success bool, ok bool) {
	switch result := record.Result.(type) {
	case model.DirectConnectionResult:
		return result.Success, true
	case model.ProxyRoundtripResult:
		return result.Success, true
	case model.CensusResult:
		return result.Success, true
	}
	return false, false
}

func ExitCode(report model.DiagnosticReport) int {
	for _, record := range report.Tests {
		if success, ok := Succeeded(record); ok && !success {
			return 1
		}
	}
	return 0
}
