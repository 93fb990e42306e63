package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"stagegate/internal/app"
	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/migrate"
	"stagegate/internal/pipeline"
	"stagegate/internal/playbook"
	"stagegate/internal/repo"
	"stagegate/internal/risk"
	"stagegate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sg",
	Short: "Stagegate CLI",
	Long: `Stagegate governs sales opportunities with playbooks and stage gates.
Core concepts:
- Pipeline: the tenant's external CRM stages mapped onto nine canonical stages
  with a forward-only transition graph.
- Playbook: per-stage must-do actions plus success/failure conditions that
  decide the next stage. Versions are immutable once published.
- Evidence: append-only proof that actions happened (calls logged, proposals
  sent). Conditions evaluate against it.
- Enforcement: every transition attempt is evaluated under monitor_only, block
  or block_and_revert and always leaves exactly one audit event.
- Actors: commands are routed to AI, human or hybrid execution based on the
  assessed risk band.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(playbookCmd())
	rootCmd.AddCommand(evidenceCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(riskCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace and tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" {
				return fmt.Errorf("--tenant required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(tenantID)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				id, cfg, err := app.ResolveTenantAndConfig(ctx, tenantID, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"tenant_id": id,
					"mode":      string(cfg.Mode()),
					"workspace": workspace,
				})
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tenant governance status",
		Long:  "The scoreboard for a tenant: enforcement mode, published playbooks, configured pipelines and the latest audit event.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Status(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Tenant: %s (%s)\n", out["tenant_id"], out["status"])
				fmt.Printf("Mode: %s\n", out["mode"])
				fmt.Printf("Playbooks: %v  Pipelines: %v\n", out["playbooks"], out["pipelines"])
				fmt.Printf("Last audit event: %v\n", out["last_audit_event"])
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect tenant config",
		Long:  "Config is the rulebook: enforcement mode, actor risk thresholds, the default playbook and pipeline overrides. Stored per tenant in the DB, seeded from stagegate.yml.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show resolved tenant config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				filePath = config.Path(viper.GetString("workspace"))
			}
			_, err := config.FromFile(filePath)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (defaults to workspace stagegate.yml)")
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import tenant config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, _, err := app.ResolveTenantAndConfig(ctx, cfg.Tenant.ID, r); err != nil {
					return err
				}
				if err := r.UpsertTenantConfig(ctx, cfg.Tenant.ID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func pipelineCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "pipeline",
		Short: "Manage pipeline configurations",
		Long:  "Pipelines map a tenant's external CRM stage IDs onto the canonical stages and define which transitions the graph allows. Without one, the default forward-only nine-stage pipeline applies.",
	}
	p.AddCommand(pipelineSetCmd())
	p.AddCommand(pipelineShowCmd())
	p.AddCommand(pipelineValidateTransitionCmd())
	return p
}

func pipelineSetCmd() *cobra.Command {
	var filePath, pipelineID string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Install a pipeline configuration from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var cfg domain.PipelineConfiguration
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("invalid pipeline yaml: %w", err)
			}
			if pipelineID != "" {
				cfg.PipelineID = pipelineID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if cfg.TenantID == "" {
					cfg.TenantID = e.Config.Tenant.ID
				}
				if err := e.SetPipeline(ctx, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to pipeline YAML")
	cmd.Flags().StringVar(&pipelineID, "pipeline", "", "pipeline id (overrides file)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func pipelineShowCmd() *cobra.Command {
	var pipelineID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective pipeline configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg := e.Pipelines.GetPipelineConfiguration(e.Config.Tenant.ID, pipelineID)
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&pipelineID, "pipeline", "default", "pipeline id")
	return cmd
}

func pipelineValidateTransitionCmd() *cobra.Command {
	var pipelineID, from, to string
	cmd := &cobra.Command{
		Use:   "validate-transition",
		Short: "Check a canonical stage transition against the graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" || to == "" {
				return fmt.Errorf("--from and --to required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg := e.Pipelines.GetPipelineConfiguration(e.Config.Tenant.ID, pipelineID)
				res := pipeline.Validate(domain.CanonicalStage(from), domain.CanonicalStage(to), cfg.AllowedTransitions)
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&pipelineID, "pipeline", "default", "pipeline id")
	cmd.Flags().StringVar(&from, "from", "", "current canonical stage")
	cmd.Flags().StringVar(&to, "to", "", "requested canonical stage")
	return cmd
}

func playbookCmd() *cobra.Command {
	pb := &cobra.Command{
		Use:   "playbook",
		Short: "Manage playbooks",
		Long:  "Playbooks define the must-do actions, evidence requirements and transition conditions per stage. Publishing a version makes it immutable; ship a new version to change it.",
	}
	pb.AddCommand(playbookPublishCmd())
	pb.AddCommand(playbookValidateCmd())
	pb.AddCommand(playbookListCmd())
	pb.AddCommand(playbookShowCmd())
	return pb
}

func playbookPublishCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a playbook version from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			pb, err := playbook.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if pb.TenantID == "" {
					pb.TenantID = e.Config.Tenant.ID
				}
				if err := e.PublishPlaybook(ctx, pb); err != nil {
					return err
				}
				return printJSONOrTable(pb)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to playbook YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func playbookValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Lint a playbook without publishing",
		RunE: func(cmd *cobra.Command, args []string) error {
			pb, err := playbook.FromFile(filePath)
			if err != nil {
				return err
			}
			res := playbook.Validate(pb)
			if viper.GetBool("json") {
				return printJSON(res)
			}
			if res.Valid {
				fmt.Println("playbook OK")
				return nil
			}
			for _, e := range res.Errors {
				fmt.Println("error:", e)
			}
			return fmt.Errorf("playbook invalid")
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to playbook YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func playbookListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List published playbooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				books := e.Playbooks.List()
				if viper.GetBool("json") {
					return printJSON(books)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Version", "Tenant", "Entry Stage", "Stages"})
				for _, pb := range books {
					tenant := pb.TenantID
					if tenant == "" {
						tenant = "(global)"
					}
					tw.AppendRow(table.Row{pb.PlaybookID, pb.Version, tenant, pb.EntryStage, len(pb.Stages)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func playbookShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a playbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pb, ok := e.Playbooks.GetPlaybook(e.Config.Tenant.ID, args[0])
				if !ok {
					return fmt.Errorf("playbook %s not found", args[0])
				}
				return printJSONOrTable(pb)
			})
		},
	}
	return cmd
}

func evidenceCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "evidence",
		Short: "Manage evidence",
		Long:  "Evidence records prove that playbook actions happened. The log is append-only; transition conditions evaluate against it.",
	}
	ev.AddCommand(evidenceAddCmd())
	ev.AddCommand(evidenceListCmd())
	return ev
}

func evidenceAddCmd() *cobra.Command {
	var opportunityID, stageID, actionID, evidenceType, dataJSON, source string
	var confidence float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record evidence",
		RunE: func(cmd *cobra.Command, args []string) error {
			var data map[string]any
			if dataJSON != "" {
				if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
					return fmt.Errorf("invalid --data-json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.RecordEvidence(ctx, domain.ActionEvidence{
					TenantID:      e.Config.Tenant.ID,
					OpportunityID: opportunityID,
					StageID:       stageID,
					ActionID:      actionID,
					EvidenceType:  evidenceType,
					CollectedBy:   viper.GetString("actor-id"),
					Data:          data,
					Source:        source,
					Confidence:    confidence,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&opportunityID, "opportunity", "", "opportunity id")
	cmd.Flags().StringVar(&stageID, "stage", "", "playbook stage id")
	cmd.Flags().StringVar(&actionID, "action", "", "action id")
	cmd.Flags().StringVar(&evidenceType, "type", "", "evidence type")
	cmd.Flags().StringVar(&dataJSON, "data-json", "", "payload JSON")
	cmd.Flags().StringVar(&source, "source", "", "evidence source")
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "confidence [0,1]")
	_ = cmd.MarkFlagRequired("opportunity")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func evidenceListCmd() *cobra.Command {
	var f repo.EvidenceFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List evidence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.TenantID == "" {
					f.TenantID = e.Config.Tenant.ID
				}
				items, err := e.ListEvidence(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Opportunity", "Stage", "Type", "Collected By", "Collected At"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.EvidenceID, ev.OpportunityID, ev.StageID, ev.EvidenceType, ev.CollectedBy, ev.CollectedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.OpportunityID, "opportunity", "", "opportunity id")
	cmd.Flags().StringVar(&f.StageID, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.EvidenceType, "type", "", "evidence type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max records")
	_ = cmd.MarkFlagRequired("opportunity")
	return cmd
}

func evaluateCmd() *cobra.Command {
	var opts engine.TransitionOptions
	var mode string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a stage transition request",
		Long:  "Runs the full gate: stage evaluation against evidence, graph validation and the enforcement decision. Always records one audit event.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Mode = domain.EnforcementMode(mode)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.TenantID == "" {
					opts.TenantID = e.Config.Tenant.ID
				}
				res, err := e.EvaluateTransition(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				verdict := "ALLOWED"
				if !res.Allowed {
					verdict = "BLOCKED"
				}
				fmt.Printf("%s (%s): %s\n", verdict, res.Mode, res.Reason)
				if len(res.Commands) > 0 {
					fmt.Printf("Planned commands: %d\n", len(res.Commands))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.OpportunityID, "opportunity", "", "opportunity id")
	cmd.Flags().StringVar(&opts.PipelineID, "pipeline", "default", "pipeline id")
	cmd.Flags().StringVar(&opts.PlaybookID, "playbook", "", "playbook id (defaults to config)")
	cmd.Flags().StringVar(&opts.CurrentStageID, "current", "", "current playbook stage")
	cmd.Flags().StringVar(&opts.RequestedStageID, "requested", "", "requested playbook stage")
	cmd.Flags().IntVar(&opts.ElapsedMinutes, "elapsed", 0, "minutes since stage entry")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation", "", "correlation id")
	cmd.Flags().StringVar(&opts.Trigger, "trigger", "", "trigger description")
	cmd.Flags().StringVar(&mode, "mode", "", "enforcement mode override (monitor_only, block, block_and_revert)")
	_ = cmd.MarkFlagRequired("opportunity")
	_ = cmd.MarkFlagRequired("current")
	_ = cmd.MarkFlagRequired("requested")
	return cmd
}

func stageCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "stage",
		Short: "Evaluate and plan single stages",
	}
	st.AddCommand(stageEvaluateCmd())
	st.AddCommand(stagePlanCmd())
	return st
}

func stageEvaluateCmd() *cobra.Command {
	var opportunityID, playbookID, stageID string
	var elapsed int
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one stage against recorded evidence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.EvaluateStage(ctx, e.Config.Tenant.ID, playbookID, opportunityID, stageID, elapsed)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&opportunityID, "opportunity", "", "opportunity id")
	cmd.Flags().StringVar(&playbookID, "playbook", "", "playbook id (defaults to config)")
	cmd.Flags().StringVar(&stageID, "stage", "", "playbook stage id")
	cmd.Flags().IntVar(&elapsed, "elapsed", 0, "minutes since stage entry")
	_ = cmd.MarkFlagRequired("opportunity")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func stagePlanCmd() *cobra.Command {
	var opportunityID, playbookID, stageID, correlationID string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan execution commands for a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				commands, err := e.PlanActions(ctx, e.Config.Tenant.ID, playbookID, opportunityID, stageID, correlationID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(commands)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Command", "Type", "Channel", "Priority", "Action"})
				for _, c := range commands {
					tw.AppendRow(table.Row{c.CommandID, c.CommandType, c.Channel, c.Priority, c.ActionID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opportunityID, "opportunity", "", "opportunity id")
	cmd.Flags().StringVar(&playbookID, "playbook", "", "playbook id (defaults to config)")
	cmd.Flags().StringVar(&stageID, "stage", "", "playbook stage id")
	cmd.Flags().StringVar(&correlationID, "correlation", "", "correlation id")
	_ = cmd.MarkFlagRequired("opportunity")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func riskCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "risk",
		Short: "Risk assessment",
	}
	r.AddCommand(riskAssessCmd())
	return r
}

func riskFlags(cmd *cobra.Command, rc *risk.Context) {
	var priority string
	cmd.Flags().Float64Var(&rc.DealValue, "deal-value", 0, "deal value")
	cmd.Flags().Float64Var(&rc.CustomerRiskScore, "customer-risk", 0, "customer risk score 0-100")
	cmd.Flags().StringVar(&priority, "priority", "", "command priority (urgent, high, normal, low)")
	cmd.Flags().IntVar(&rc.RetryCount, "retries", 0, "retry count so far")
	cmd.Flags().IntVar(&rc.EvidenceCount, "evidence-count", 0, "evidence records present")
	prev := cmd.PreRunE
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if prev != nil {
			if err := prev(cmd, args); err != nil {
				return err
			}
		}
		rc.Priority = domain.Priority(priority)
		return nil
	}
}

func riskAssessCmd() *cobra.Command {
	var rc risk.Context
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Assess the risk band for an opportunity context",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.AssessRisk(rc))
			})
		},
	}
	riskFlags(cmd, &rc)
	return cmd
}

func actorCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "actor",
		Short: "Actor selection",
		Long:  "Decides who executes a command: AI for low risk, humans when risk or action constraints demand it, hybrid in between.",
	}
	a.AddCommand(actorSelectCmd())
	a.AddCommand(actorAssessCmd())
	return a
}

func commandFlags(cmd *cobra.Command, c *domain.ExecutionCommand) {
	var cmdType, channel string
	var humanAllowed, aiAllowed bool
	cmd.Flags().StringVar(&cmdType, "command-type", "", "command type")
	cmd.Flags().StringVar(&channel, "channel", "", "channel")
	cmd.Flags().BoolVar(&humanAllowed, "human-allowed", true, "humans may execute")
	cmd.Flags().BoolVar(&aiAllowed, "ai-allowed", true, "AI may execute")
	prev := cmd.PreRunE
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if prev != nil {
			if err := prev(cmd, args); err != nil {
				return err
			}
		}
		c.CommandType = domain.CommandType(cmdType)
		c.Channel = channel
		c.HumanAllowed = humanAllowed
		c.AIAllowed = aiAllowed
		return nil
	}
}

func actorSelectCmd() *cobra.Command {
	var c domain.ExecutionCommand
	var rc risk.Context
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Select the executing actor for a command",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				assessment, selected := e.SelectActor(ctx, e.Config.Tenant.ID, c, rc)
				return printJSONOrTable(map[string]any{
					"assessment": assessment,
					"selected":   selected,
				})
			})
		},
	}
	commandFlags(cmd, &c)
	riskFlags(cmd, &rc)
	return cmd
}

func actorAssessCmd() *cobra.Command {
	var c domain.ExecutionCommand
	var rc risk.Context
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Assess all actor types for a command",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				assessment, caps := e.AssessActors(ctx, e.Config.Tenant.ID, c, rc)
				return printJSONOrTable(map[string]any{
					"assessment":   assessment,
					"capabilities": caps,
				})
			})
		},
	}
	commandFlags(cmd, &c)
	riskFlags(cmd, &rc)
	return cmd
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "audit",
		Short: "Audit log",
		Long:  "Every transition attempt leaves exactly one event here: who asked, what the playbook decided and whether enforcement blocked it.",
	}
	a.AddCommand(auditTailCmd())
	return a
}

func auditTailCmd() *cobra.Command {
	var n int
	var opportunityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestAuditEvents(ctx, e.Config.Tenant.ID, opportunityID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Opportunity", "From", "To", "Allowed", "Mode", "Reason"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.OpportunityID, evt.FromStage, evt.ToStage, evt.Allowed, evt.Mode, evt.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&opportunityID, "opportunity", "", "opportunity filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rawKey := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					TenantID:  e.Config.Tenant.ID,
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(rawKey),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      rawKey,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveTenantAndConfig(cmd.Context(), viper.GetString("tenant"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			defer e.Close()
			if err := e.Hydrate(cmd.Context()); err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("STAGEGATE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
				EnableDevLogin:         devLogin,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("STAGEGATE_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Stagegate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (dev only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveTenantAndConfig(ctx, viper.GetString("tenant"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	defer e.Close()
	if err := e.Hydrate(ctx); err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
