package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"crewline/internal/app"
	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/migrate"
	"crewline/internal/repo"
	"crewline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cw",
	Short: "Crewline CLI",
	Long: `Crewline manages collaboration roles: who can fill them, how they nest,
and how they move from draft to completed.
- Workspace: your .crewline directory holding the database; configs live in the DB.
- Collaboration: the container that owns all roles, applications, and events.
- Roles: positions in a hierarchy. Children inherit permissions (nearest wins)
  and skill requirements (all accumulate) from their ancestors.
- Lifecycle: draft -> open -> assigned -> in_progress -> completion_requested -> completed,
  with abandon/reopen paths. Every move is guarded by conditions and applies effects.
- Applications: participants apply to open roles; a stored skill check helps review.
- Event log: diary of changes, view with 'cw log tail'.`,
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
	viper.SetEnvPrefix("CREWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	loadDotEnv(filepath.Join(viper.GetString("workspace"), ".env"))
}

// loadDotEnv exports KEY=value lines from the workspace .env so AutomaticEnv
// sees them. Real environment variables win.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("collab", "", "collaboration id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("collab", rootCmd.PersistentFlags().Lookup("collab"))
}

func registerCommands() {
	rootCmd.AddCommand(collabCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(hierarchyCmd())
	rootCmd.AddCommand(applicationCmd())
	rootCmd.AddCommand(completionCmd())
	rootCmd.AddCommand(skillCmd())
	rootCmd.AddCommand(permsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func collabCmd() *cobra.Command {
	c := &cobra.Command{Use: "collab", Short: "Manage collaborations"}
	c.AddCommand(collabListCmd())
	c.AddCommand(collabCreateCmd())
	c.AddCommand(collabShowCmd())
	c.AddCommand(collabUpdateCmd())
	c.AddCommand(collabConfigCmd())
	c.AddCommand(collabUseCmd())
	return c
}

func collabListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List collaborations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCollaborations(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func collabCreateCmd() *cobra.Command {
	var title, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create collaboration",
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
			e := engine.New(conn, nil)
			ctx := engine.WithActor(cmd.Context(), viper.GetString("actor-id"))
			c, err := e.CreateCollaboration(ctx, title, desc)
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "collaboration title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func collabShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a collaboration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCollaboration(ctx, e.Config.Collaboration.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func collabUpdateCmd() *cobra.Command {
	var status, description string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a collaboration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var descPtr *string
				if cmd.Flags().Changed("description") {
					descPtr = &description
				}
				if err := e.Repo.UpdateCollaboration(ctx, e.Config.Collaboration.ID, status, descPtr); err != nil {
					return err
				}
				c, err := e.Repo.GetCollaboration(ctx, e.Config.Collaboration.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status (active, paused, archived)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func collabUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set current collaboration for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			collabID := strings.TrimSpace(args[0])
			if collabID == "" {
				return fmt.Errorf("collaboration id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "CREWLINE_COLLAB", collabID); err != nil {
				return err
			}
			fmt.Printf("Set CREWLINE_COLLAB=%s in %s/.env\n", collabID, workspace)
			return nil
		},
	}
}

func collabConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage collaboration config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(collabConfigImportCmd())
	return cfg
}

func collabConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			collabID := cfg.Collaboration.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if collabID == "" {
					collabID = e.Config.Collaboration.ID
				}
				if err := e.Repo.UpsertCollabConfig(ctx, collabID, cfg); err != nil {
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

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show collaboration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCollaboration(ctx, e.Config.Collaboration.ID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountRolesByStatus(ctx, c.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"collaboration_id": c.ID,
					"status":           c.Status,
					"role_counts":      counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Collaboration: %s (%s)\n", c.ID, c.Status)
				fmt.Println("Roles:")
				for status, n := range counts {
					fmt.Printf("  %s: %d\n", status, n)
				}
				return nil
			})
		},
	}
}

func roleCmd() *cobra.Command {
	role := &cobra.Command{
		Use:   "role",
		Short: "Manage roles",
		Long:  "Roles are positions in the collaboration. They nest into a hierarchy, carry skill requirements and permissions, and move through the lifecycle with 'cw role transition'.",
	}
	role.AddCommand(roleCreateCmd())
	role.AddCommand(roleListCmd())
	role.AddCommand(roleGetCmd())
	role.AddCommand(roleUpdateCmd())
	role.AddCommand(roleDeleteCmd())
	role.AddCommand(roleTreeCmd())
	role.AddCommand(roleTransitionCmd())
	role.AddCommand(roleAttachCmd())
	role.AddCommand(roleDetachCmd())
	role.AddCommand(roleApplyCmd())
	role.AddCommand(roleAbandonCmd())
	role.AddCommand(roleAssignmentsCmd())
	return role
}

func roleCreateCmd() *cobra.Command {
	var title, description, parentID, status string
	var maxParticipants int
	var requires []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := parseSkillFlags(requires)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in := engine.CreateRoleInput{
					CollaborationID: e.Config.Collaboration.ID,
					Title:           title,
					Description:     description,
					ParentRoleID:    optionalString(parentID),
					Requirements:    reqs,
					MaxParticipants: maxParticipants,
					Status:          status,
				}
				ctx = engine.WithActor(ctx, viper.GetString("actor-id"))
				t, warnings, err := e.CreateRole(ctx, in)
				if err != nil {
					return err
				}
				for _, w := range warnings {
					fmt.Fprintf(os.Stderr, "warning: %s: %s\n", w.Code, w.Message)
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent role id")
	cmd.Flags().StringVar(&status, "status", "", "entry status (draft or open)")
	cmd.Flags().IntVar(&maxParticipants, "max-participants", 0, "participant capacity")
	cmd.Flags().StringArrayVar(&requires, "require", []string{}, "skill requirement skill:level[:optional] (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

// parseSkillFlags parses "skill:level" or "skill:level:optional" flags.
func parseSkillFlags(flags []string) ([]domain.SkillRequirement, error) {
	var reqs []domain.SkillRequirement
	for _, raw := range flags {
		parts := strings.Split(raw, ":")
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid --require %q, expected skill:level", raw)
		}
		var level int
		if _, err := fmt.Sscanf(parts[1], "%d", &level); err != nil {
			return nil, fmt.Errorf("invalid level in --require %q", raw)
		}
		req := domain.SkillRequirement{SkillID: parts[0], MinLevel: level}
		if len(parts) > 2 && parts[2] == "optional" {
			req.Optional = true
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func roleListCmd() *cobra.Command {
	var status, parentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles, err := e.Repo.ListRoles(ctx, repo.RoleFilters{
					CollaborationID: e.Config.Collaboration.ID,
					Status:          status,
					ParentRoleID:    parentID,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(roles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Seats", "Parent"})
				for _, t := range roles {
					parent := ""
					if t.ParentRoleID != nil {
						parent = *t.ParentRoleID
					}
					seats := fmt.Sprintf("%d/%d", t.CurrentParticipants, t.MaxParticipants)
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, seats, parent})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent role id filter")
	return cmd
}

func roleGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetRole(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func roleUpdateCmd() *cobra.Command {
	var title, description string
	var maxParticipants int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				patch := engine.UpdateRolePatch{ActorID: viper.GetString("actor-id")}
				if cmd.Flags().Changed("title") {
					patch.Title = &title
				}
				if cmd.Flags().Changed("description") {
					patch.Description = &description
				}
				if cmd.Flags().Changed("max-participants") {
					patch.MaxParticipants = &maxParticipants
				}
				ctx = engine.WithActor(ctx, patch.ActorID)
				t, _, err := e.UpdateRole(ctx, args[0], patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().IntVar(&maxParticipants, "max-participants", 0, "participant capacity")
	return cmd
}

func roleDeleteCmd() *cobra.Command {
	var reparent bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ctx = engine.WithActor(ctx, viper.GetString("actor-id"))
				return e.DeleteRole(ctx, args[0], reparent)
			})
		},
	}
	cmd.Flags().BoolVar(&reparent, "reparent", false, "reparent children to the deleted role's parent")
	return cmd
}

func roleTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Show the role hierarchy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				forest, err := e.Tree(ctx, e.Config.Collaboration.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(forest)
				}
				for i, node := range forest {
					printRoleTree(node, "", i == len(forest)-1)
				}
				return nil
			})
		},
	}
}

func printRoleTree(node engine.RoleTree, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s [%s]\n", prefix, connector, node.Role.Title, node.Role.Status)
	for i, c := range node.Children {
		printRoleTree(c, newPrefix, i == len(node.Children)-1)
	}
}

func roleTransitionCmd() *cobra.Command {
	var subject, applicationID, note string
	cmd := &cobra.Command{
		Use:   "transition <id> <to>",
		Short: "Transition role status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				t, err := e.Transition(engine.WithActor(ctx, actorID), engine.TransitionInput{
					RoleID:        args[0],
					To:            args[1],
					ActorID:       actorID,
					Subject:       subject,
					ApplicationID: applicationID,
					Note:          note,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "participant the transition acts on (defaults to actor)")
	cmd.Flags().StringVar(&applicationID, "application", "", "application id to assign from")
	cmd.Flags().StringVar(&note, "note", "", "note for completion requests")
	return cmd
}

func roleAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <parent-id> <child-id>",
		Short: "Attach a child role under a parent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ctx = engine.WithActor(ctx, viper.GetString("actor-id"))
				return e.AttachChild(ctx, args[0], args[1])
			})
		},
	}
}

func roleDetachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detach <id>",
		Short: "Detach a role from its parent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ctx = engine.WithActor(ctx, viper.GetString("actor-id"))
				return e.DetachChild(ctx, args[0])
			})
		},
	}
}

func roleApplyCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "apply <id>",
		Short: "Apply to a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				app, err := e.Apply(engine.WithActor(ctx, actorID), args[0], actorID, message)
				if err != nil {
					return err
				}
				return printJSONOrTable(app)
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "application message")
	return cmd
}

func roleAbandonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abandon <id>",
		Short: "Abandon a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				t, err := e.AbandonRole(engine.WithActor(ctx, actorID), args[0], actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func roleAssignmentsCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "assignments <id>",
		Short: "List assignments for a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAssignments(ctx, args[0], "", status)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func hierarchyCmd() *cobra.Command {
	h := &cobra.Command{Use: "hierarchy", Short: "Batch role hierarchy operations"}
	h.AddCommand(hierarchyImportCmd())
	h.AddCommand(hierarchyValidateCmd())
	return h
}

type hierarchyFile struct {
	Roles []engine.HierarchyNode `json:"roles"`
}

func loadHierarchyFile(path string) (hierarchyFile, error) {
	var hf hierarchyFile
	data, err := os.ReadFile(path)
	if err != nil {
		return hf, err
	}
	if json.Valid(data) {
		err = json.Unmarshal(data, &hf)
		return hf, err
	}
	// YAML: decode generically, then round-trip through JSON so the
	// struct's json tags apply.
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return hf, err
	}
	raw, err := json.Marshal(generic)
	if err != nil {
		return hf, err
	}
	err = json.Unmarshal(raw, &hf)
	return hf, err
}

func hierarchyImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create a role hierarchy from a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			hf, err := loadHierarchyFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ctx = engine.WithActor(ctx, viper.GetString("actor-id"))
				roles, warnings, err := e.CreateHierarchy(ctx, e.Config.Collaboration.ID, hf.Roles)
				if err != nil {
					return err
				}
				for _, w := range warnings {
					fmt.Fprintf(os.Stderr, "warning: %s: %s\n", w.Code, w.Message)
				}
				return printJSONOrTable(roles)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to hierarchy YAML/JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func hierarchyValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a hierarchy file without writing",
		RunE: func(cmd *cobra.Command, args []string) error {
			hf, err := loadHierarchyFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				findings, err := e.ValidateHierarchy(ctx, e.Config.Collaboration.ID, hf.Roles)
				if err != nil {
					return err
				}
				if len(findings) == 0 {
					fmt.Println("ok")
					return nil
				}
				return printJSONOrTable(findings)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to hierarchy YAML/JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func applicationCmd() *cobra.Command {
	a := &cobra.Command{Use: "application", Short: "Review role applications"}
	a.AddCommand(applicationListCmd())
	a.AddCommand(applicationAcceptCmd())
	a.AddCommand(applicationRejectCmd())
	a.AddCommand(applicationWithdrawCmd())
	return a
}

func applicationListCmd() *cobra.Command {
	var roleID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListApplications(ctx, roleID, "", status)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&roleID, "role", "", "role id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func applicationAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept an application and assign the role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				t, err := e.AcceptApplication(engine.WithActor(ctx, actorID), args[0], actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func applicationRejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				app, err := e.RejectApplication(engine.WithActor(ctx, actorID), args[0], actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(app)
			})
		},
	}
}

func applicationWithdrawCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw <id>",
		Short: "Withdraw your application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				app, err := e.WithdrawApplication(engine.WithActor(ctx, actorID), args[0], actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(app)
			})
		},
	}
}

func completionCmd() *cobra.Command {
	c := &cobra.Command{Use: "complete", Short: "Completion workflow"}
	c.AddCommand(completionRequestCmd())
	c.AddCommand(completionApproveCmd())
	c.AddCommand(completionRejectCmd())
	return c
}

func completionRequestCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "request <role-id>",
		Short: "Request completion of your role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				t, err := e.RequestCompletion(engine.WithActor(ctx, actorID), args[0], actorID, note)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "completion note")
	return cmd
}

func completionApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <role-id>",
		Short: "Approve the pending completion request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				t, err := e.ApproveCompletion(engine.WithActor(ctx, actorID), args[0], actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func completionRejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject <role-id>",
		Short: "Reject the pending completion request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				t, err := e.RejectCompletion(engine.WithActor(ctx, actorID), args[0], actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func skillCmd() *cobra.Command {
	s := &cobra.Command{Use: "skill", Short: "Manage user skills"}
	s.AddCommand(skillSetCmd())
	s.AddCommand(skillListCmd())
	return s
}

func skillSetCmd() *cobra.Command {
	var userID string
	var level int
	cmd := &cobra.Command{
		Use:   "set <skill-id>",
		Short: "Set a skill level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				target := userID
				if target == "" {
					target = actorID
				}
				s, err := e.SetUserSkill(engine.WithActor(ctx, actorID), target, args[0], level)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (defaults to actor)")
	cmd.Flags().IntVar(&level, "level", 1, "skill level 1-10")
	return cmd
}

func skillListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				target := userID
				if target == "" {
					target = viper.GetString("actor-id")
				}
				items, err := e.Repo.ListUserSkills(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (defaults to actor)")
	return cmd
}

func permsCmd() *cobra.Command {
	p := &cobra.Command{Use: "perms", Short: "Inspect effective permissions and requirements"}
	p.AddCommand(&cobra.Command{
		Use:   "effective <role-id>",
		Short: "Show effective permissions for a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				grants, err := e.EffectivePermissions(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(grants)
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "requirements <role-id>",
		Short: "Show effective skill requirements for a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reqs, err := e.EffectiveRequirements(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(reqs)
			})
		},
	})
	p.AddCommand(permsCheckCmd())
	return p
}

func permsCheckCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "check <role-id>",
		Short: "Check a user against a role's skill requirements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				target := userID
				if target == "" {
					target = viper.GetString("actor-id")
				}
				check, err := e.CheckSkillRequirements(ctx, args[0], target)
				if err != nil {
					return err
				}
				return printJSONOrTable(check)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (defaults to actor)")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Collaboration.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
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
			_, cfg, err := app.ResolveCollaborationAndConfig(cmd.Context(), viper.GetString("collab"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CREWLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CREWLINE_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Crewline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	k.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rawKey := uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashKey(rawKey),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("API key (store it now, it is not shown again): %s\n", rawKey)
				return printJSONOrTable(key)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
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
	_, cfg, err := app.ResolveCollaborationAndConfig(ctx, viper.GetString("collab"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
