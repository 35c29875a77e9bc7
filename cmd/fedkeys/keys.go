package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/dropDatabas3/hellofed/internal/validation"
	"github.com/spf13/cobra"
)

func (c *cli) keysCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Ciclo de vida de claves de actores locales"}

	var actor string
	requireActor := func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&actor, "actor", "", "URI del actor local")
		_ = cmd.MarkFlagRequired("actor")
		cmd.PreRunE = func(*cobra.Command, []string) error {
			if !validation.ActorURI(actor) {
				return fmt.Errorf("--actor %q no es un actor URI", actor)
			}
			return nil
		}
	}

	generate := &cobra.Command{
		Use:   "generate",
		Short: "Genera una clave Active (la anterior pasa a Overlapping)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			k, err := a.Keys.Generate(cmd.Context(), actor)
			if err != nil {
				return err
			}
			return c.printKeys([]*repository.Key{k})
		},
	}
	requireActor(generate)

	var force bool
	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Rota si la clave Active venció (o siempre con --force)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			if force {
				k, err := a.Keys.ForceRotate(cmd.Context(), actor)
				if err != nil {
					return err
				}
				return c.printKeys([]*repository.Key{k})
			}
			k, rotated, err := a.Keys.Rotate(cmd.Context(), actor)
			if err != nil {
				return err
			}
			if !rotated && c.out == "text" {
				fmt.Println("active key not due; nothing rotated (use --force)")
			}
			return c.printKeys([]*repository.Key{k})
		},
	}
	requireActor(rotate)
	rotate.Flags().BoolVar(&force, "force", false, "rotar aunque no haya vencido")

	list := &cobra.Command{
		Use:   "list",
		Short: "Lista las claves del actor (sin material privado)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			ks, err := a.Keys.ListByActor(cmd.Context(), actor)
			if err != nil {
				return err
			}
			return c.printKeys(ks)
		},
	}
	requireActor(list)

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Archiva las claves Overlapping cuyo overlap terminó, y rota las vencidas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			rotated, err := a.Keys.RotateDue(cmd.Context())
			if err != nil {
				return err
			}
			archived, err := a.Keys.SweepExpired(cmd.Context())
			if err != nil {
				return err
			}
			if c.out == "json" {
				return c.printJSON(map[string]int{"rotated": rotated, "archived": archived})
			}
			fmt.Printf("rotated=%d archived=%d\n", rotated, archived)
			return nil
		},
	}

	var keyID, reason string
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoca una clave (compromised|superseded|retired)",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := repository.RevocationReason(reason)
			switch r {
			case repository.RevokedCompromised, repository.RevokedSuperseded, repository.RevokedRetired:
			default:
				return fmt.Errorf("--reason inválido %q", reason)
			}
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Keys.Revoke(cmd.Context(), keyID, r); err != nil {
				return err
			}
			fmt.Println("revoked", keyID)
			return nil
		},
	}
	revoke.Flags().StringVar(&keyID, "key", "", "id de la clave")
	revoke.Flags().StringVar(&reason, "reason", string(repository.RevokedCompromised), "motivo")
	_ = revoke.MarkFlagRequired("key")

	cmd.AddCommand(generate, rotate, list, sweep, revoke)
	return cmd
}

type keyRow struct {
	ID        string     `json:"id"`
	Actor     string     `json:"actor"`
	Algorithm string     `json:"algorithm"`
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	NotAfter  time.Time  `json:"not_after"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
	Revoked   string     `json:"revoked,omitempty"`
}

func (c *cli) printKeys(ks []*repository.Key) error {
	rows := make([]keyRow, len(ks))
	for i, k := range ks {
		rows[i] = keyRow{
			ID: k.ID, Actor: k.ActorID, Algorithm: string(k.Algorithm), State: string(k.State),
			CreatedAt: k.CreatedAt, NotAfter: k.NotAfter, RotatedAt: k.RotatedAt,
			Revoked: string(k.RevocationReason),
		}
	}
	if c.out == "json" {
		return c.printJSON(rows)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tALG\tCREATED\tNOT AFTER\tREVOKED\tID")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.State, r.Algorithm,
			r.CreatedAt.Format(time.RFC3339), r.NotAfter.Format(time.RFC3339), dash(r.Revoked), r.ID)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
