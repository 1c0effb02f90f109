package ebpf

import "github.com/mbeema/tlscope/pkg/offsets"

// uprobeSpec binds one binary symbol to one BPF program by object name.
type uprobeSpec struct {
	symbol  string
	program string
	ret     bool
}

// tlsProbes returns the uprobe set for a TLS flavor. Go binaries get no
// uretprobes: the runtime moves goroutine stacks, which breaks return
// trampolines.
func tlsProbes(flavor offsets.Flavor) []uprobeSpec {
	switch flavor {
	case offsets.FlavorOpenSSL:
		return []uprobeSpec{
			{symbol: "SSL_read", program: "uprobe_ssl_read"},
			{symbol: "SSL_read", program: "uretprobe_ssl_read", ret: true},
			{symbol: "SSL_write", program: "uprobe_ssl_write"},
			{symbol: "SSL_write", program: "uretprobe_ssl_write", ret: true},
			{symbol: "SSL_set_fd", program: "uprobe_ssl_set_fd"},
			{symbol: "SSL_set_bio", program: "uprobe_ssl_set_bio"},
			{symbol: "SSL_shutdown", program: "uprobe_ssl_shutdown"},
			{symbol: "SSL_free", program: "uprobe_ssl_free"},
		}
	case offsets.FlavorGnuTLS:
		return []uprobeSpec{
			{symbol: "gnutls_record_recv", program: "uprobe_gnutls_record_recv"},
			{symbol: "gnutls_record_recv", program: "uretprobe_gnutls_record_recv", ret: true},
			{symbol: "gnutls_record_send", program: "uprobe_gnutls_record_send"},
			{symbol: "gnutls_record_send", program: "uretprobe_gnutls_record_send", ret: true},
			{symbol: "gnutls_transport_set_int2", program: "uprobe_gnutls_transport_set_int2"},
			{symbol: "gnutls_transport_set_ptr", program: "uprobe_gnutls_transport_set_ptr"},
			{symbol: "gnutls_bye", program: "uprobe_gnutls_bye"},
			{symbol: "gnutls_deinit", program: "uprobe_gnutls_deinit"},
		}
	case offsets.FlavorGoTLS:
		return []uprobeSpec{
			{symbol: "crypto/tls.(*Conn).Read", program: "uprobe_gotls_read"},
			{symbol: "crypto/tls.(*Conn).Write", program: "uprobe_gotls_write"},
			{symbol: "crypto/tls.(*Conn).Close", program: "uprobe_gotls_close"},
		}
	default:
		return nil
	}
}
