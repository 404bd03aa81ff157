// cmd/linkpulse-discover/main.go
package main

import (
	"encoding/xml"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"linkpulse/internal/config"
)

// Nmap XML structures
type NmapRun struct {
	XMLName xml.Name `xml:"nmaprun"`
	Args    string   `xml:"args,attr"`
	Hosts   []Host   `xml:"host"`
}

type Host struct {
	Status    HostStatus `xml:"status"`
	Addresses []Address  `xml:"address"`
	Hostnames []Hostname `xml:"hostnames>hostname"`
	Times     HostTimes  `xml:"times"`
}

type HostStatus struct {
	State  string `xml:"state,attr"`
	Reason string `xml:"reason,attr"`
}

type Address struct {
	Addr     string `xml:"addr,attr"`
	AddrType string `xml:"addrtype,attr"`
}

type Hostname struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

// HostTimes carries the round trip estimate in microseconds.
type HostTimes struct {
	SRTT int `xml:"srtt,attr"`
}

func main() {
	var (
		network   = flag.String("network", "", "CIDR network to scan (e.g., 192.168.1.0/24)")
		xmlFile   = flag.String("xml", "", "Use existing nmap XML file instead of scanning")
		output    = flag.String("output", "conf.d/discovered.yaml", "Output include file")
		dhcpRange = flag.String("dhcp", "100-200", "DHCP range (e.g., 100-200) - addresses in this range are skipped")
		nmapPath  = flag.String("nmap", "/usr/bin/nmap", "Path to nmap binary")
		enabled   = flag.Bool("enabled", false, "Mark discovered hosts as enabled")
		verbose   = flag.Bool("verbose", false, "Verbose output")
	)
	flag.Parse()

	if *network == "" && *xmlFile == "" {
		detected := detectLocalNetwork()
		if detected == "" {
			log.Fatal("No network specified and couldn't detect local network. Use -network flag.")
		}
		*network = detected
		fmt.Printf("Auto-detected network: %s\n", *network)
	}

	var nmapData []byte
	var err error

	if *xmlFile != "" {
		fmt.Printf("Reading nmap XML from: %s\n", *xmlFile)
		nmapData, err = os.ReadFile(*xmlFile)
		if err != nil {
			log.Fatalf("Failed to read XML file: %v", err)
		}
	} else {
		fmt.Printf("Scanning network: %s\n", *network)
		nmapData, err = runPingSweep(*network, *nmapPath, *verbose)
		if err != nil {
			log.Fatalf("Failed to run nmap: %v", err)
		}
	}

	var nmapRun NmapRun
	if err := xml.Unmarshal(nmapData, &nmapRun); err != nil {
		log.Fatalf("Failed to parse nmap XML: %v", err)
	}

	dhcpLow, dhcpHigh := parseDHCPRange(*dhcpRange)
	partial := generateInclude(&nmapRun, dhcpLow, dhcpHigh, *enabled)

	if err := writeInclude(partial, *output); err != nil {
		log.Fatalf("Failed to write include file: %v", err)
	}

	fmt.Printf("\nInclude file written to: %s\n", *output)
	fmt.Printf("Discovered %d hosts\n", len(partial.Hosts))
}

func detectLocalNetwork() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return ""
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && ipnet.IP.IsGlobalUnicast() {
				return ipnet.String()
			}
		}
	}
	return ""
}

// runPingSweep runs a host discovery only scan, the same reachability
// the monitor itself relies on.
func runPingSweep(network, nmapPath string, verbose bool) ([]byte, error) {
	args := []string{"-sn", "--system-dns", "-oX", "-"}
	if verbose {
		args = append(args, "-v")
	}
	args = append(args, network)

	fmt.Printf("Running: %s %s\n", nmapPath, strings.Join(args, " "))

	output, err := exec.Command(nmapPath, args...).Output()
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			if status, ok := exitError.Sys().(syscall.WaitStatus); ok {
				return nil, fmt.Errorf("nmap exited with status %d", status.ExitStatus())
			}
		}
		return nil, fmt.Errorf("nmap execution failed: %v", err)
	}

	return output, nil
}

func parseDHCPRange(dhcpRange string) (int, int) {
	parts := strings.Split(dhcpRange, "-")
	if len(parts) != 2 {
		return 100, 200
	}

	low, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	high, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return 100, 200
	}

	return low, high
}

// generateInclude keeps responsive hosts with stable addresses.
func generateInclude(run *NmapRun, dhcpLow, dhcpHigh int, enabled bool) *config.PartialConfig {
	partial := &config.PartialConfig{}
	seen := make(map[string]bool)

	for _, host := range run.Hosts {
		if host.Status.State != "up" {
			continue
		}
		h, ok := monitoredHost(host, dhcpLow, dhcpHigh, enabled)
		if !ok || seen[h.Address] {
			continue
		}
		seen[h.Address] = true
		partial.Hosts = append(partial.Hosts, h)
	}

	return partial
}

func monitoredHost(host Host, dhcpLow, dhcpHigh int, enabled bool) (config.MonitoredHost, bool) {
	var ipv4, hostname string

	for _, addr := range host.Addresses {
		if addr.AddrType == "ipv4" {
			ipv4 = addr.Addr
			break
		}
	}
	if ipv4 == "" || isInDHCPRange(ipv4, dhcpLow, dhcpHigh) {
		return config.MonitoredHost{}, false
	}

	for _, hn := range host.Hostnames {
		if hn.Type == "PTR" || hn.Type == "user" {
			hostname = hn.Name
			break
		}
	}

	name := ipv4
	if hostname != "" {
		name = strings.Split(hostname, ".")[0]
	}

	return config.MonitoredHost{Address: ipv4, Name: name, Enabled: enabled}, true
}

func isInDHCPRange(ipv4 string, dhcpLow, dhcpHigh int) bool {
	parts := strings.Split(ipv4, ".")
	if len(parts) != 4 {
		return false
	}

	lastOctet, err := strconv.Atoi(parts[3])
	if err != nil {
		return false
	}

	return lastOctet >= dhcpLow && lastOctet <= dhcpHigh
}

func writeInclude(partial *config.PartialConfig, filename string) error {
	data, err := yaml.Marshal(partial)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	header := fmt.Sprintf("# LinkPulse monitored hosts\n# Generated by linkpulse-discover on %s\n# Contains %d hosts\n\n",
		time.Now().Format("2006-01-02 15:04:05"),
		len(partial.Hosts))

	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	if err := os.WriteFile(filename, append([]byte(header), data...), 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}
