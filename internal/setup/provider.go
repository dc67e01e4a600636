package setup

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/signalsfoundry/ad-ctf-simulator/internal/logging"
	"github.com/signalsfoundry/ad-ctf-simulator/model"
)

// Provider prepares and drives one infrastructure backend. The simulation
// itself only consumes the addresses returned by GetIPAddresses.
type Provider interface {
	ConvertBuild() error
	ConvertDeploy() error
	ConvertInfraFiles() error
	ConvertVMScripts() error
	GetIPAddresses() (model.IpAddresses, error)

	Build(ctx context.Context) error
	Deploy(ctx context.Context) error
	Destroy(ctx context.Context) error
}

const (
	templateDir = "templates"
	ipLogPath   = "logs/ip_addresses.log"
)

var (
	buildTemplates  = []string{"build.sh"}
	deployTemplates = []string{"deploy.sh"}
	infraTemplates  = []string{"versions.tf", "main.tf", "variables.tf", "outputs.tf"}
	vmTemplates     = []string{"data/vulnbox.sh", "data/checker.sh", "data/engine.sh"}
)

// TemplateData is the value every template is rendered with.
type TemplateData struct {
	SetupPath         string
	SSHConfigPath     string
	SSHPrivateKeyPath string
	SSHPublicKeyPath  string
	GithubToken       string
	LoginUser         string
	Vulnboxes         []int
	Services          []string
	CheckerPorts      []int
	VMSizes           map[string]string
	VMImages          map[string]string
	UseVMImages       bool
	Cloud             map[string]string
}

// NewProvider selects the backend named by the configured location.
func NewProvider(cfg *Config, secrets *Secrets, dir string, run ScriptRunner, log logging.Logger) (Provider, error) {
	if log == nil {
		log = logging.Noop()
	}
	variant := cfg.Location()
	if err := secrets.validateFor(variant); err != nil {
		return nil, err
	}
	switch variant {
	case model.SetupAzure, model.SetupHetzner:
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolve setup dir: %w", err)
		}
		return &cloudProvider{
			variant: variant,
			dir:     abs,
			data:    templateData(cfg, secrets, abs, variant),
			run:     run,
			log:     log.With(logging.String("location", string(variant))),
		}, nil
	case model.SetupLocal:
		return &localProvider{addresses: cfg.Settings.LocalAddresses, log: log}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported location %q", ErrConfig, cfg.Setup.Location)
	}
}

func templateData(cfg *Config, secrets *Secrets, dir string, variant model.SetupVariant) TemplateData {
	data := TemplateData{
		SetupPath:         dir,
		SSHConfigPath:     cfg.Setup.SSHConfigPath,
		SSHPrivateKeyPath: secrets.VMSecrets.SSHPrivateKeyPath,
		SSHPublicKeyPath:  secrets.VMSecrets.SSHPublicKeyPath,
		GithubToken:       secrets.VMSecrets.GithubPersonalAccessToken,
		LoginUser:         variant.LoginUser(),
		Services:          cfg.Settings.Services,
		CheckerPorts:      cfg.Settings.CheckerPorts,
		VMSizes:           cfg.Setup.VMSizes,
		VMImages:          map[string]string{},
		Cloud:             map[string]string{},
	}
	for i := 1; i <= cfg.Settings.Vulnboxes; i++ {
		data.Vulnboxes = append(data.Vulnboxes, i)
	}

	subID := secrets.CloudSecrets.AzureServicePrincipal["subscription-id"]
	for role, ref := range cfg.Setup.VMImageReferences {
		if ref == "" {
			continue
		}
		data.VMImages[role] = strings.ReplaceAll(ref, "<sub-id>", subID)
	}
	data.UseVMImages = len(data.VMImages) > 0

	switch variant {
	case model.SetupAzure:
		for k, v := range secrets.CloudSecrets.AzureServicePrincipal {
			data.Cloud[k] = v
		}
	case model.SetupHetzner:
		data.Cloud["hetzner-api-token"] = secrets.CloudSecrets.HetznerAPIToken
	}
	return data
}

type cloudProvider struct {
	variant model.SetupVariant
	dir     string
	data    TemplateData
	run     ScriptRunner
	log     logging.Logger
}

func (p *cloudProvider) ConvertBuild() error      { return p.render(buildTemplates) }
func (p *cloudProvider) ConvertDeploy() error     { return p.render(deployTemplates) }
func (p *cloudProvider) ConvertInfraFiles() error { return p.render(infraTemplates) }
func (p *cloudProvider) ConvertVMScripts() error  { return p.render(vmTemplates) }

func (p *cloudProvider) GetIPAddresses() (model.IpAddresses, error) {
	return parseIPLogFile(filepath.Join(p.dir, ipLogPath))
}

func (p *cloudProvider) Build(ctx context.Context) error {
	return p.script(ctx, "build.sh")
}

func (p *cloudProvider) Deploy(ctx context.Context) error {
	return p.script(ctx, "deploy.sh")
}

// Destroy tears the infrastructure down and removes every generated file.
func (p *cloudProvider) Destroy(ctx context.Context) error {
	err := p.script(ctx, "build.sh", "-d")
	for _, sub := range []string{"", "config", "data", "logs"} {
		if cerr := cleanDir(filepath.Join(p.dir, sub)); cerr != nil && err == nil {
			err = fmt.Errorf("clean %s: %w", filepath.Join(p.dir, sub), cerr)
		}
	}
	return err
}

func (p *cloudProvider) script(ctx context.Context, name string, args ...string) error {
	if p.run == nil {
		return fmt.Errorf("no script runner configured")
	}
	return p.run(ctx, p.dir, filepath.Join(p.dir, name), args...)
}

func (p *cloudProvider) render(names []string) error {
	for _, name := range names {
		if err := renderTemplate(filepath.Join(p.dir, templateDir, name), filepath.Join(p.dir, name), p.data); err != nil {
			return err
		}
		p.log.Debug(context.Background(), "rendered template", logging.String("file", name))
	}
	return nil
}

func renderTemplate(src, dst string, data TemplateData) error {
	raw, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read template: %w", err)
	}
	tmpl, err := template.New(filepath.Base(src)).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return fmt.Errorf("parse template %s: %w", src, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("render template %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if strings.HasSuffix(dst, ".sh") {
		mode = 0o755
	}
	return os.WriteFile(dst, buf.Bytes(), mode)
}

// localProvider runs against hosts that already exist. Every address is
// treated as both public and private.
type localProvider struct {
	addresses map[string]string
	log       logging.Logger
}

func (*localProvider) ConvertBuild() error      { return nil }
func (*localProvider) ConvertDeploy() error     { return nil }
func (*localProvider) ConvertInfraFiles() error { return nil }
func (*localProvider) ConvertVMScripts() error  { return nil }

func (p *localProvider) GetIPAddresses() (model.IpAddresses, error) {
	if len(p.addresses) == 0 {
		return model.IpAddresses{}, fmt.Errorf("%w: settings.local-addresses is empty", ErrConfig)
	}
	ips := model.IpAddresses{Public: map[string]string{}, Private: map[string]string{}}
	names := make([]string, 0, len(p.addresses))
	for name, addr := range p.addresses {
		ips.Public[name] = addr
		ips.Private[name] = addr
		names = append(names, name)
	}
	sort.Strings(names)
	p.log.Debug(context.Background(), "using local addresses", logging.Any("hosts", names))
	return ips, nil
}

func (p *localProvider) Build(ctx context.Context) error {
	p.log.Info(ctx, "local setup: nothing to build")
	return nil
}

func (p *localProvider) Deploy(ctx context.Context) error {
	p.log.Info(ctx, "local setup: nothing to deploy")
	return nil
}

func (p *localProvider) Destroy(ctx context.Context) error {
	p.log.Info(ctx, "local setup: nothing to destroy")
	return nil
}
