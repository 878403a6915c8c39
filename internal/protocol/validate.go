package protocol

import (
	"fmt"
	"regexp"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/tinkerbelle-io/tim8-gateway/internal/health"
)

// nameRe matches cluster and workspace names.
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

const (
	maxNameLen     = 253
	maxComponents  = 500
	maxNamespaces  = 100
	ModeKubeconfig = "kubeconfig"
)

func validateName(field, val string) error {
	if val == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(val) > maxNameLen {
		return fmt.Errorf("%s too long (%d chars, max %d)", field, len(val), maxNameLen)
	}
	if !nameRe.MatchString(val) {
		return fmt.Errorf("invalid %s: %q", field, val)
	}
	return nil
}

func validateNamespaces(namespaces []string) error {
	if len(namespaces) > maxNamespaces {
		return fmt.Errorf("too many namespaces (%d, max %d)", len(namespaces), maxNamespaces)
	}
	for _, ns := range namespaces {
		if errs := validation.IsDNS1123Label(ns); len(errs) > 0 {
			return fmt.Errorf("invalid namespace %q: %s", ns, strings.Join(errs, "; "))
		}
	}
	return nil
}

// ValidateHello checks an agent hello. Workspace is optional; the token's
// workspace is used when it is empty.
func ValidateHello(h *HelloRequest) error {
	if h.Token == "" {
		return fmt.Errorf("token is required")
	}
	if err := validateName("cluster_name", h.ClusterName); err != nil {
		return err
	}
	if h.Workspace != "" {
		if err := validateName("workspace", h.Workspace); err != nil {
			return err
		}
	}
	return validateNamespaces(h.Namespaces)
}

// ValidateHealthReport checks a pushed component set. Components must carry
// a name and one of the storable statuses.
func ValidateHealthReport(r *HealthReport) error {
	if err := validateName("cluster_name", r.ClusterName); err != nil {
		return err
	}
	if err := validateName("workspace", r.Workspace); err != nil {
		return err
	}
	if len(r.Health.Components) > maxComponents {
		return fmt.Errorf("too many components (%d, max %d)", len(r.Health.Components), maxComponents)
	}
	seen := make(map[string]bool, len(r.Health.Components))
	for i, c := range r.Health.Components {
		if c.Name == "" {
			return fmt.Errorf("component %d has no name", i)
		}
		if len(c.Name) > maxNameLen {
			return fmt.Errorf("component name too long (%d chars, max %d)", len(c.Name), maxNameLen)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate component %q", c.Name)
		}
		seen[c.Name] = true
		if !c.Status.Valid() {
			return fmt.Errorf("component %q has invalid status %q (want %s, %s or %s)",
				c.Name, c.Status, health.StatusHealthy, health.StatusWarning, health.StatusCritical)
		}
	}
	return nil
}

// ValidateRegister checks a kubeconfig registration.
func ValidateRegister(r *RegisterRequest) error {
	if r.Mode != ModeKubeconfig {
		return fmt.Errorf("unsupported mode: %q", r.Mode)
	}
	if err := validateName("name", r.Name); err != nil {
		return err
	}
	if err := validateName("workspace", r.Workspace); err != nil {
		return err
	}
	if strings.TrimSpace(r.Kubeconfig) == "" {
		return fmt.Errorf("kubeconfig is required")
	}
	return validateNamespaces(r.Namespaces)
}

// ValidateCreateWorkspace checks a workspace creation request.
func ValidateCreateWorkspace(r *CreateWorkspaceRequest) error {
	if err := validateName("name", r.Name); err != nil {
		return err
	}
	if len(r.Description) > 1024 {
		return fmt.Errorf("description too long (%d chars, max 1024)", len(r.Description))
	}
	for _, c := range r.Clusters {
		if err := validateName("cluster", c); err != nil {
			return err
		}
	}
	return nil
}
