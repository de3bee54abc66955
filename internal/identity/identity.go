// Package identity describes the machine a ringvault sidecar runs on.
package identity

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment is the network environment of an instance.
type Environment string

const (
	// VPC means the instance runs inside a virtual private cloud.
	VPC Environment = "VPC"
	// Classic means no VPC id is known for the instance.
	Classic Environment = "Classic"
)

// InstanceInfo exposes identity facts about the local instance. Values are
// resolved once; the methods never block.
type InstanceInfo interface {
	Rack() string
	Hostname() string
	HostIP() string
	PrivateIP() string
	InstanceID() string
	InstanceType() string
	VpcID() string
	AutoScalingGroup() string
	Environment() Environment
	Region() string
}

// EnvironmentFor returns VPC when vpcID is non-empty.
func EnvironmentFor(vpcID string) Environment {
	if vpcID != "" {
		return VPC
	}
	return Classic
}

// Static is an InstanceInfo backed by fixed values. Missing values are
// empty strings.
type Static struct {
	RackName        string `yaml:"availability_zone"`
	HostnameValue   string `yaml:"hostname"`
	HostIPValue     string `yaml:"host_ip"`
	PrivateIPValue  string `yaml:"private_ip"`
	InstanceIDValue string `yaml:"instance_id"`
	InstanceTypeVal string `yaml:"instance_type"`
	VpcIDValue      string `yaml:"vpc_id"`
	ASG             string `yaml:"asg"`
	RegionValue     string `yaml:"region"`
}

// LoadStatic reads a Static identity from a YAML file. Hostname and host IP
// fall back to the private IP when unset.
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}
	var s Static
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing identity file: %w", err)
	}
	return &s, nil
}

func (s *Static) Rack() string { return s.RackName }

func (s *Static) Hostname() string {
	if s.HostnameValue != "" {
		return s.HostnameValue
	}
	return s.PrivateIPValue
}

func (s *Static) HostIP() string {
	if s.HostIPValue != "" {
		return s.HostIPValue
	}
	return s.PrivateIPValue
}

func (s *Static) PrivateIP() string        { return s.PrivateIPValue }
func (s *Static) InstanceID() string       { return s.InstanceIDValue }
func (s *Static) InstanceType() string     { return s.InstanceTypeVal }
func (s *Static) VpcID() string            { return s.VpcIDValue }
func (s *Static) AutoScalingGroup() string { return s.ASG }
func (s *Static) Region() string           { return s.RegionValue }

func (s *Static) Environment() Environment { return EnvironmentFor(s.VpcIDValue) }
