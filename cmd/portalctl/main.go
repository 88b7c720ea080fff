// cmd/portalctl is the operator CLI for the portal's REST API.
//
// Credentials come from --token, PORTAL_TOKEN, or ~/.portalctl/config.yaml.
// Mint an api-kind token with the seed tool or `portalctl tokens create`.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/MeshPortal/pkg/portalapi"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile   string
	portalURL string
	apiToken  string
	insecure  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "portalctl",
	Short: "Operator CLI for the portal control plane",
	Long: `portalctl manages accounts, actors, groups, resources, policies,
sites, relays, and credentials on a running portal.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.portalctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("PORTAL")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if portalURL == "" {
			portalURL = viper.GetString("url")
		}
		if portalURL == "" {
			portalURL = "http://localhost:8080"
		}
		if apiToken == "" {
			apiToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.portalctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&portalURL, "portal", "", "portal base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "api token (or PORTAL_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification (development only)")

	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(actorsCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(resourcesCmd)
	rootCmd.AddCommand(policiesCmd)
	rootCmd.AddCommand(sitesCmd)
	rootCmd.AddCommand(relaysCmd)
	rootCmd.AddCommand(tokensCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(flowsCmd)
	rootCmd.AddCommand(versionCmd)
}

func apiClient() (*portalapi.Client, error) {
	if apiToken == "" {
		return nil, fmt.Errorf("no credential: pass --token, set PORTAL_TOKEN, or add token to ~/.portalctl/config.yaml")
	}
	var opts []portalapi.Option
	if insecure {
		opts = append(opts, portalapi.WithInsecureSkipVerify())
	}
	return portalapi.New(portalURL, apiToken, opts...), nil
}

func parseID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%q is not a UUID", arg)
	}
	return id, nil
}

func table() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func when(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

// ── account ──────────────────────────────────────────────────────────

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Show or configure the account",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		account, err := c.GetAccount(context.Background())
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(account, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var (
	accountDNS        []string
	accountLogSink    bool
	accountSelfRelays bool
)

var accountConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Update account config; connected clients re-sync immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		account, err := c.UpdateAccountConfig(context.Background(), portalapi.AccountConfigRequest{
			UpstreamDNS: accountDNS,
			Features: portalapi.AccountFeatures{
				LogSink:          accountLogSink,
				SelfHostedRelays: accountSelfRelays,
			},
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Config updated for %s\n", account.Slug)
		return nil
	},
}

func init() {
	accountConfigCmd.Flags().StringSliceVar(&accountDNS, "dns", nil, "upstream DNS servers pushed to clients")
	accountConfigCmd.Flags().BoolVar(&accountLogSink, "log-sink", false, "enable signed log upload URLs")
	accountConfigCmd.Flags().BoolVar(&accountSelfRelays, "self-hosted-relays", false, "allow dedicated relay groups")
	accountCmd.AddCommand(accountConfigCmd)
}

// ── actors ───────────────────────────────────────────────────────────

var actorsCmd = &cobra.Command{
	Use:   "actors",
	Short: "Manage actors",
}

var actorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List actors",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		actors, err := c.ListActors(context.Background())
		if err != nil {
			return err
		}
		w := table()
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tROLE\tSTATE")
		for _, a := range actors {
			state := "enabled"
			if a.DisabledAt != nil {
				state = "disabled"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Type, a.Role, state)
		}
		return w.Flush()
	},
}

var (
	actorType string
	actorRole string
)

var actorsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an actor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		actor, err := c.CreateActor(context.Background(), portalapi.CreateActorRequest{
			Type: actorType,
			Role: actorRole,
			Name: args[0],
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Actor created: %s (%s)\n", actor.ID, actor.Role)
		return nil
	},
}

var actorsRoleCmd = &cobra.Command{
	Use:   "role <actor-id> <admin|unprivileged>",
	Short: "Change an actor's role",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		actor, err := c.UpdateActorRole(context.Background(), id, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s is now %s\n", actor.Name, actor.Role)
		return nil
	},
}

var actorsDisableCmd = &cobra.Command{
	Use:   "disable <actor-id>",
	Short: "Disable an actor and disconnect its sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		actor, err := c.DisableActor(context.Background(), id)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s disabled; credentials revoked\n", actor.Name)
		return nil
	},
}

var actorsEnableCmd = &cobra.Command{
	Use:   "enable <actor-id>",
	Short: "Re-enable a disabled actor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		actor, err := c.EnableActor(context.Background(), id)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s enabled (mint new tokens to reconnect)\n", actor.Name)
		return nil
	},
}

var actorsDeleteCmd = &cobra.Command{
	Use:   "delete <actor-id>",
	Short: "Delete an actor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		if err := c.DeleteActor(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("✓ Actor %s deleted\n", id)
		return nil
	},
}

var actorsDevicesCmd = &cobra.Command{
	Use:   "devices <actor-id>",
	Short: "List an actor's enrolled devices",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		devices, err := c.ListActorDevices(context.Background(), id)
		if err != nil {
			return err
		}
		return printDevices(devices)
	},
}

func init() {
	actorsCreateCmd.Flags().StringVar(&actorType, "type", "user", "actor type: user, service_account, or api_client")
	actorsCreateCmd.Flags().StringVar(&actorRole, "role", "unprivileged", "actor role: admin or unprivileged")

	actorsCmd.AddCommand(actorsListCmd)
	actorsCmd.AddCommand(actorsCreateCmd)
	actorsCmd.AddCommand(actorsRoleCmd)
	actorsCmd.AddCommand(actorsDisableCmd)
	actorsCmd.AddCommand(actorsEnableCmd)
	actorsCmd.AddCommand(actorsDeleteCmd)
	actorsCmd.AddCommand(actorsDevicesCmd)
}

// ── groups ───────────────────────────────────────────────────────────

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Manage actor groups",
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		groups, err := c.ListGroups(context.Background())
		if err != nil {
			return err
		}
		w := table()
		fmt.Fprintln(w, "ID\tNAME")
		for _, g := range groups {
			fmt.Fprintf(w, "%s\t%s\n", g.ID, g.Name)
		}
		return w.Flush()
	},
}

var groupsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		group, err := c.CreateGroup(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Group created: %s\n", group.ID)
		return nil
	},
}

var groupsDeleteCmd = &cobra.Command{
	Use:   "delete <group-id>",
	Short: "Delete a group; its policies stop matching immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		if err := c.DeleteGroup(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("✓ Group %s deleted\n", id)
		return nil
	},
}

var groupsAddCmd = &cobra.Command{
	Use:   "add <group-id> <actor-id>",
	Short: "Add an actor to a group",
	Args:  cobra.ExactArgs(2),
	RunE:  runMembership(true),
}

var groupsRemoveCmd = &cobra.Command{
	Use:   "remove <group-id> <actor-id>",
	Short: "Remove an actor from a group",
	Args:  cobra.ExactArgs(2),
	RunE:  runMembership(false),
}

func runMembership(add bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		groupID, err := parseID(args[0])
		if err != nil {
			return err
		}
		actorID, err := parseID(args[1])
		if err != nil {
			return err
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		if add {
			if err := c.AddGroupMember(context.Background(), groupID, actorID); err != nil {
				return err
			}
			fmt.Println("✓ Member added; client resource lists re-derived")
		} else {
			if err := c.RemoveGroupMember(context.Background(), groupID, actorID); err != nil {
				return err
			}
			fmt.Println("✓ Member removed; client resource lists re-derived")
		}
		return nil
	}
}

func init() {
	groupsCmd.AddCommand(groupsListCmd)
	groupsCmd.AddCommand(groupsCreateCmd)
	groupsCmd.AddCommand(groupsDeleteCmd)
	groupsCmd.AddCommand(groupsAddCmd)
	groupsCmd.AddCommand(groupsRemoveCmd)
}

// ── resources ────────────────────────────────────────────────────────

var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "Manage protected resources",
}

var resourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		resources, err := c.ListResources(context.Background())
		if err != nil {
			return err
		}
		w := table()
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tADDRESS\tSITES")
		for _, res := range resources {
			var sites []string
			for _, gg := range res.GatewayGroups {
				sites = append(sites, gg.Name)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				res.ID, res.Name, res.Type, res.Address, strings.Join(sites, ","))
		}
		return w.Flush()
	},
}

var (
	resourceType    string
	resourceAddress string
	resourceDesc    string
	resourceSites   []string
)

var resourcesCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a resource served by one or more sites",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		siteIDs := make([]uuid.UUID, 0, len(resourceSites))
		for _, s := range resourceSites {
			id, err := parseID(s)
			if err != nil {
				return err
			}
			siteIDs = append(siteIDs, id)
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		res, err := c.CreateResource(context.Background(), portalapi.ResourceRequest{
			Type:               resourceType,
			Name:               args[0],
			Address:            resourceAddress,
			AddressDescription: resourceDesc,
			GatewayGroupIDs:    siteIDs,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Resource created: %s (%s %s)\n", res.ID, res.Type, res.Address)
		return nil
	},
}

var resourcesDeleteCmd = &cobra.Command{
	Use:   "delete <resource-id>",
	Short: "Delete a resource and withdraw it from clients",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		if err := c.DeleteResource(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("✓ Resource %s deleted\n", id)
		return nil
	},
}

func init() {
	resourcesCreateCmd.Flags().StringVar(&resourceType, "type", "dns", "resource type: dns, cidr, or ip")
	resourcesCreateCmd.Flags().StringVar(&resourceAddress, "address", "", "resource address (hostname, CIDR, or IP)")
	resourcesCreateCmd.Flags().StringVar(&resourceDesc, "description", "", "address shown to end users")
	resourcesCreateCmd.Flags().StringSliceVar(&resourceSites, "site", nil, "gateway group id serving this resource (repeatable)")
	_ = resourcesCreateCmd.MarkFlagRequired("address")
	_ = resourcesCreateCmd.MarkFlagRequired("site")

	resourcesCmd.AddCommand(resourcesListCmd)
	resourcesCmd.AddCommand(resourcesCreateCmd)
	resourcesCmd.AddCommand(resourcesDeleteCmd)
}

// ── policies ─────────────────────────────────────────────────────────

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Manage access policies",
}

var policiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		policies, err := c.ListPolicies(context.Background())
		if err != nil {
			return err
		}
		w := table()
		fmt.Fprintln(w, "ID\tGROUP\tRESOURCE\tCONDITIONS\tSTATE\tDESCRIPTION")
		for _, p := range policies {
			state := "enabled"
			if p.DisabledAt != nil {
				state = "disabled"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				p.ID, p.ActorGroupID, p.ResourceID, len(p.Conditions), state, p.Description)
		}
		return w.Flush()
	},
}

var (
	policyGroup      string
	policyResource   string
	policyDesc       string
	policyConditions string
)

var policiesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a policy granting a group access to a resource",
	Long: `Create a policy. Conditions are passed as a JSON array:

  portalctl policies create --group <id> --resource <id> \
    --conditions '[{"property":"remote_ip_location_region","operator":"is_in","values":["DE","NL"]}]'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID, err := parseID(policyGroup)
		if err != nil {
			return err
		}
		resourceID, err := parseID(policyResource)
		if err != nil {
			return err
		}
		var conds []portalapi.Condition
		if policyConditions != "" {
			if err := json.Unmarshal([]byte(policyConditions), &conds); err != nil {
				return fmt.Errorf("parse --conditions: %w", err)
			}
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		p, err := c.CreatePolicy(context.Background(), portalapi.PolicyRequest{
			ActorGroupID: groupID,
			ResourceID:   resourceID,
			Description:  policyDesc,
			Conditions:   conds,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Policy created: %s\n", p.ID)
		return nil
	},
}

var policiesDisableCmd = &cobra.Command{
	Use:   "disable <policy-id>",
	Short: "Disable a policy; dependent access is withdrawn",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyToggle(true),
}

var policiesEnableCmd = &cobra.Command{
	Use:   "enable <policy-id>",
	Short: "Re-enable a disabled policy",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyToggle(false),
}

func runPolicyToggle(disable bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		if disable {
			if _, err := c.DisablePolicy(context.Background(), id); err != nil {
				return err
			}
			fmt.Printf("✓ Policy %s disabled\n", id)
		} else {
			if _, err := c.EnablePolicy(context.Background(), id); err != nil {
				return err
			}
			fmt.Printf("✓ Policy %s enabled\n", id)
		}
		return nil
	}
}

var policiesDeleteCmd = &cobra.Command{
	Use:   "delete <policy-id>",
	Short: "Delete a policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		if err := c.DeletePolicy(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("✓ Policy %s deleted\n", id)
		return nil
	},
}

func init() {
	policiesCreateCmd.Flags().StringVar(&policyGroup, "group", "", "actor group id")
	policiesCreateCmd.Flags().StringVar(&policyResource, "resource", "", "resource id")
	policiesCreateCmd.Flags().StringVar(&policyDesc, "description", "", "free-form description")
	policiesCreateCmd.Flags().StringVar(&policyConditions, "conditions", "", "conditions as a JSON array")
	_ = policiesCreateCmd.MarkFlagRequired("group")
	_ = policiesCreateCmd.MarkFlagRequired("resource")

	policiesCmd.AddCommand(policiesListCmd)
	policiesCmd.AddCommand(policiesCreateCmd)
	policiesCmd.AddCommand(policiesDisableCmd)
	policiesCmd.AddCommand(policiesEnableCmd)
	policiesCmd.AddCommand(policiesDeleteCmd)
}

// ── sites ────────────────────────────────────────────────────────────

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "Manage gateway sites",
}

var sitesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sites and their gateways",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		ctx := context.Background()
		sites, err := c.ListGatewayGroups(ctx)
		if err != nil {
			return err
		}
		gateways, err := c.ListGateways(ctx)
		if err != nil {
			return err
		}
		bySite := make(map[uuid.UUID]int)
		for _, g := range gateways {
			bySite[g.GroupID]++
		}
		w := table()
		fmt.Fprintln(w, "ID\tNAME\tGATEWAYS")
		for _, s := range sites {
			fmt.Fprintf(w, "%s\t%s\t%d\n", s.ID, s.Name, bySite[s.ID])
		}
		return w.Flush()
	},
}

var sitesCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		site, err := c.CreateGatewayGroup(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Site created: %s\n", site.ID)
		fmt.Println("Next: portalctl tokens create --kind gateway_group --site", site.ID)
		return nil
	},
}

var sitesDeleteCmd = &cobra.Command{
	Use:   "delete <site-id>",
	Short: "Delete a site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		if err := c.DeleteGatewayGroup(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("✓ Site %s deleted\n", id)
		return nil
	},
}

func init() {
	sitesCmd.AddCommand(sitesListCmd)
	sitesCmd.AddCommand(sitesCreateCmd)
	sitesCmd.AddCommand(sitesDeleteCmd)
}

// ── relays ───────────────────────────────────────────────────────────

var relaysCmd = &cobra.Command{
	Use:   "relays",
	Short: "Manage relay groups and list relays",
}

var relaysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List this account's relays",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		relays, err := c.ListRelays(context.Background())
		if err != nil {
			return err
		}
		w := table()
		fmt.Fprintln(w, "ID\tIPV4\tIPV6\tPORT\tLAST SEEN")
		for _, r := range relays {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.IPv4, r.IPv6, r.Port, when(r.LastSeenAt))
		}
		return w.Flush()
	},
}

var relaysGroupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List relay groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		groups, err := c.ListRelayGroups(context.Background())
		if err != nil {
			return err
		}
		w := table()
		fmt.Fprintln(w, "ID\tNAME")
		for _, g := range groups {
			fmt.Fprintf(w, "%s\t%s\n", g.ID, g.Name)
		}
		return w.Flush()
	},
}

var relaysCreateGroupCmd = &cobra.Command{
	Use:   "create-group <name>",
	Short: "Create a dedicated relay group (requires the self_hosted_relays feature)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		group, err := c.CreateRelayGroup(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Relay group created: %s\n", group.ID)
		fmt.Println("Next: portalctl tokens create --kind relay_group --relay-group", group.ID)
		return nil
	},
}

func init() {
	relaysCmd.AddCommand(relaysListCmd)
	relaysCmd.AddCommand(relaysGroupsCmd)
	relaysCmd.AddCommand(relaysCreateGroupCmd)
}

// ── tokens ───────────────────────────────────────────────────────────

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage credentials",
}

var tokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tokens (hashes only; secrets are never stored)",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		tokens, err := c.ListTokens(context.Background())
		if err != nil {
			return err
		}
		w := table()
		fmt.Fprintln(w, "ID\tKIND\tEXPIRES\tLAST SEEN")
		for _, t := range tokens {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				t.ID, t.Kind, t.ExpiresAt.UTC().Format(time.RFC3339), when(t.LastSeenAt))
		}
		return w.Flush()
	},
}

var (
	tokenKind       string
	tokenActor      string
	tokenSite       string
	tokenRelayGroup string
	tokenTTL        time.Duration
)

var tokensCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint a credential; the secret is printed exactly once",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := portalapi.CreateTokenRequest{Kind: tokenKind}
		setRef := func(arg string, dst **uuid.UUID) error {
			if arg == "" {
				return nil
			}
			id, err := parseID(arg)
			if err != nil {
				return err
			}
			*dst = &id
			return nil
		}
		if err := setRef(tokenActor, &req.ActorID); err != nil {
			return err
		}
		if err := setRef(tokenSite, &req.GatewayGroupID); err != nil {
			return err
		}
		if err := setRef(tokenRelayGroup, &req.RelayGroupID); err != nil {
			return err
		}
		if tokenTTL > 0 {
			expires := time.Now().UTC().Add(tokenTTL)
			req.ExpiresAt = &expires
		}

		c, err := apiClient()
		if err != nil {
			return err
		}
		created, err := c.CreateToken(context.Background(), req)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Token minted (%s)\n\n", created.Token.Kind)
		fmt.Printf("  ID:     %s\n", created.Token.ID)
		fmt.Printf("  Secret: %s\n\n", created.Encoded)
		fmt.Println("Store the secret now — it cannot be retrieved again.")
		return nil
	},
}

var tokensRevokeCmd = &cobra.Command{
	Use:   "revoke <token-id>",
	Short: "Revoke a token and disconnect its sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		if err := c.RevokeToken(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("✓ Token %s revoked\n", id)
		return nil
	},
}

func init() {
	tokensCreateCmd.Flags().StringVar(&tokenKind, "kind", "", "token kind: client, api, gateway_group, or relay_group")
	tokensCreateCmd.Flags().StringVar(&tokenActor, "actor", "", "actor id (client and api kinds)")
	tokensCreateCmd.Flags().StringVar(&tokenSite, "site", "", "gateway group id (gateway_group kind)")
	tokensCreateCmd.Flags().StringVar(&tokenRelayGroup, "relay-group", "", "relay group id (relay_group kind)")
	tokensCreateCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "time to expiry, e.g. 720h; portal default when 0")
	_ = tokensCreateCmd.MarkFlagRequired("kind")

	tokensCmd.AddCommand(tokensListCmd)
	tokensCmd.AddCommand(tokensCreateCmd)
	tokensCmd.AddCommand(tokensRevokeCmd)
}

// ── devices, flows, version ──────────────────────────────────────────

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List enrolled client devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		devices, err := c.ListDevices(context.Background())
		if err != nil {
			return err
		}
		return printDevices(devices)
	},
}

func printDevices(devices []portalapi.Device) error {
	w := table()
	fmt.Fprintln(w, "ID\tNAME\tIPV4\tIPV6\tVERSION\tLAST SEEN")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Name, d.IPv4, d.IPv6, d.LastSeenVersion, when(d.LastSeenAt))
	}
	return w.Flush()
}

var (
	flowsClient string
	flowsLimit  int
)

var flowsCmd = &cobra.Command{
	Use:   "flows",
	Short: "List recent connection audit records",
	RunE: func(cmd *cobra.Command, args []string) error {
		clientID := uuid.Nil
		if flowsClient != "" {
			id, err := parseID(flowsClient)
			if err != nil {
				return err
			}
			clientID = id
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		flows, err := c.ListFlows(context.Background(), clientID, flowsLimit)
		if err != nil {
			return err
		}
		w := table()
		fmt.Fprintln(w, "AUTHORIZED\tCLIENT\tGATEWAY\tRESOURCE\tPOLICY")
		for _, f := range flows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				f.AuthorizedAt.UTC().Format(time.RFC3339), f.ClientID, f.GatewayID, f.ResourceID, f.PolicyID)
		}
		return w.Flush()
	},
}

func init() {
	flowsCmd.Flags().StringVar(&flowsClient, "client", "", "narrow to one device id")
	flowsCmd.Flags().IntVar(&flowsLimit, "limit", 100, "maximum records (1-1000)")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the portalctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("portalctl %s\n", version)
	},
}
