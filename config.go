package alcib

import (
	"os"

	"github.com/mongodb/grip"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// AWSConfig holds credentials and the artifact bucket.
type AWSConfig struct {
	KeyID  string `yaml:"aws_access_key_id"`
	Secret string `yaml:"aws_secret_access_key"`
	Region string `yaml:"region"`
	Bucket string `yaml:"bucket"`
}

func (c *AWSConfig) validate() error {
	if c.Region == "" {
		c.Region = "us-east-1"
	}

	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(c.Bucket == "", "must specify an artifact bucket")
	return catcher.Resolve()
}

// SSHConfig holds the private key used for every remote session.
type SSHConfig struct {
	KeyPath string `yaml:"key_path"`
	// Literal client config content pushed onto build hosts that need to
	// reach other machines themselves (the docker flow).
	ClientConfig string `yaml:"client_config"`
}

func (c *SSHConfig) validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(c.KeyPath == "", "must specify an ssh key path")
	return catcher.Resolve()
}

// StaticHostsConfig names the pre-existing build hosts that are never
// provisioned or torn down by a job.
type StaticHostsConfig struct {
	EquinixIP   string `yaml:"equinix_ip"`
	Ppc64leHost string `yaml:"ppc64le_host"`
	KojiIP      string `yaml:"koji_ip"`
	AlmaRepoIP  string `yaml:"alma_repo_ip"`
}

// GitHubConfig holds the token used by the VCS collaborator.
type GitHubConfig struct {
	Token string `yaml:"token"`
}

// SigningConfig points at the image signing service.
type SigningConfig struct {
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	PGPKeyID string `yaml:"pgp_key_id"`
}

// VagrantCloudConfig holds the Vagrant Cloud release target. Version and
// Changelog come in per release, usually from the environment.
type VagrantCloudConfig struct {
	Box       string `yaml:"box"`
	AccessKey string `yaml:"access_key"`
	Version   string `yaml:"version"`
	Changelog string `yaml:"changelog"`
}

// WindowsConfig holds the SMB credentials the Hyper-V test host needs.
type WindowsConfig struct {
	SMBUsername string `yaml:"smb_username"`
	SMBPassword string `yaml:"smb_password"`
}

// OpenStackConfig points at the clouds.yaml pushed onto hosts that run the
// OpenStack image tests.
type OpenStackConfig struct {
	CloudsYAMLPath string `yaml:"clouds_yaml_path"`
}

// DockerConfig lists the rootfs configurations built by the docker flow.
type DockerConfig struct {
	Configurations []string `yaml:"configurations"`
}

// Settings is the whole builder configuration, loaded once per process and
// passed explicitly; components never read ambient global state.
type Settings struct {
	AWS         AWSConfig          `yaml:"aws"`
	SSH         SSHConfig          `yaml:"ssh"`
	Hosts       StaticHostsConfig  `yaml:"static_hosts"`
	GitHub      GitHubConfig       `yaml:"github"`
	Signing     SigningConfig      `yaml:"signing"`
	Vagrant     VagrantCloudConfig `yaml:"vagrant_cloud"`
	Windows     WindowsConfig      `yaml:"windows"`
	OpenStack   OpenStackConfig    `yaml:"openstack"`
	Docker      DockerConfig       `yaml:"docker"`
	Image       string             `yaml:"image"`
	OSMajorVer  string             `yaml:"os_major_ver"`
	AlmaVersion string             `yaml:"almalinux_version"`
	BuildNumber string             `yaml:"build_number"`
}

// NewSettings reads settings from a yaml file and applies environment
// overrides for the values the CI system injects per build.
func NewSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading settings file '%s'", path)
	}
	settings := &Settings{}
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, errors.Wrapf(err, "unmarshalling settings from '%s'", path)
	}
	settings.applyEnv()
	return settings, nil
}

func (s *Settings) applyEnv() {
	for env, dst := range map[string]*string{
		"AWS_ACCESS_KEY_ID":        &s.AWS.KeyID,
		"AWS_SECRET_ACCESS_KEY":    &s.AWS.Secret,
		"OS_MAJOR_VER":             &s.OSMajorVer,
		"BUILD_NUMBER":             &s.BuildNumber,
		"GITHUB_TOKEN":             &s.GitHub.Token,
		"SIGN_JWT_TOKEN":           &s.Signing.Token,
		"VAGRANT_CLOUD_ACCESS_KEY": &s.Vagrant.AccessKey,
		"VERSION":                  &s.Vagrant.Version,
		"CHANGELOG":                &s.Vagrant.Changelog,
		"WINDOWS_CREDS_USR":        &s.Windows.SMBUsername,
		"WINDOWS_CREDS_PSW":        &s.Windows.SMBPassword,
		"IMAGE":                    &s.Image,
	} {
		if val := os.Getenv(env); val != "" {
			*dst = val
		}
	}
}

// Validate checks every section and collects all problems before failing.
func (s *Settings) Validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.Add(s.AWS.validate())
	catcher.Add(s.SSH.validate())
	catcher.NewWhen(s.OSMajorVer == "", "must specify the OS major version")
	catcher.NewWhen(s.BuildNumber == "", "must specify a build number")
	return catcher.Resolve()
}
