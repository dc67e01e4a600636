package setup

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/signalsfoundry/ad-ctf-simulator/model"
)

var outputLine = regexp.MustCompile(`^\s*"?([\w-]+)"?\s*=\s*(.*)$`)

// ParseIPLog reads terraform output of the form
//
//	engine = "20.0.0.1"
//	private_ip_addresses = {
//	  "engine" = "10.1.0.5"
//	}
//
// into public and private host addresses.
func ParseIPLog(r io.Reader) (model.IpAddresses, error) {
	ips := model.IpAddresses{Public: map[string]string{}, Private: map[string]string{}}
	sc := bufio.NewScanner(r)
	inPrivate := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if inPrivate {
			if strings.HasPrefix(line, "}") {
				inPrivate = false
				continue
			}
			if m := outputLine.FindStringSubmatch(line); m != nil {
				ips.Private[m[1]] = unquote(m[2])
			}
			continue
		}
		m := outputLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if m[1] == "private_ip_addresses" {
			inPrivate = !strings.Contains(m[2], "}")
			continue
		}
		ips.Public[m[1]] = unquote(m[2])
	}
	if err := sc.Err(); err != nil {
		return ips, fmt.Errorf("read ip addresses: %w", err)
	}
	if len(ips.Public) == 0 {
		return ips, fmt.Errorf("no public ip addresses found")
	}
	return ips, nil
}

func unquote(v string) string {
	return strings.Trim(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), ",")), `"`)
}

func parseIPLogFile(path string) (model.IpAddresses, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.IpAddresses{}, fmt.Errorf("open ip address log: %w", err)
	}
	defer f.Close()
	return ParseIPLog(f)
}
