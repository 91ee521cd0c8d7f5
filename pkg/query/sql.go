package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

// rootAlias is the alias of the root collection in rendered SQL.
const rootAlias = "r"

// argList collects positional arguments.
type argList []any

func (a *argList) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func column(alias, field string) string {
	if alias == "" {
		return ident(field)
	}
	return alias + "." + ident(field)
}

func predicateSQL(p Predicate, col string, args *argList) string {
	switch p.Op {
	case OpContains:
		return args.add(p.Value) + " = ANY(" + col + ")"
	case OpUnsetOrGt:
		return "(" + col + " IS NULL OR " + col + " > " + args.add(p.Value) + ")"
	default:
		return col + " = " + args.add(p.Value)
	}
}

// filterSQL renders f with fields qualified by alias ("" for none).
func filterSQL(f Filter, alias string, args *argList) string {
	conds := make([]string, 0, len(f))
	for _, p := range f {
		conds = append(conds, predicateSQL(p, column(alias, p.Field), args))
	}
	return strings.Join(conds, " AND ")
}

// CountSQL renders a row count of table restricted by f.
func CountSQL(table string, f Filter) (string, []any) {
	var args argList
	sql := "SELECT COUNT(*) FROM " + ident(table)
	if len(f) > 0 {
		sql += " WHERE " + filterSQL(f, "", &args)
	}
	return sql, args
}

// SelectSQL renders a select of columns from table restricted by f.
func SelectSQL(table string, columns []string, f Filter) (string, []any) {
	var args argList
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = ident(c)
	}
	sql := "SELECT " + strings.Join(cols, ", ") + " FROM " + ident(table)
	if len(f) > 0 {
		sql += " WHERE " + filterSQL(f, "", &args)
	}
	return sql, args
}

// UpdateSQL renders an atomic update of the record with the given id.
// guard adds further conditions; the update applies only when they hold.
func UpdateSQL(table string, id any, u Update, guard Filter) (string, []any, error) {
	if len(u) == 0 {
		return "", nil, unsupported("empty update")
	}

	var args argList
	sets := make([]string, 0, len(u))
	seen := make(map[string]bool, len(u))
	for _, m := range u {
		if seen[m.Field] {
			return "", nil, unsupported("field %q mutated twice", m.Field)
		}
		seen[m.Field] = true

		col := ident(m.Field)
		switch m.Op {
		case OpSet:
			sets = append(sets, col+" = "+args.add(m.Value))
		case OpAddToSet:
			ph := args.add(m.Value)
			sets = append(sets, fmt.Sprintf("%s = CASE WHEN %s = ANY(%s) THEN %s ELSE array_append(%s, %s) END",
				col, ph, col, col, col, ph))
		case OpPull:
			sets = append(sets, fmt.Sprintf("%s = array_remove(%s, %s)", col, col, args.add(m.Value)))
		}
	}

	where := ident("id") + " = " + args.add(id)
	if len(guard) > 0 {
		where += " AND " + filterSQL(guard, "", &args)
	}

	return "UPDATE " + ident(table) + " SET " + strings.Join(sets, ", ") + " WHERE " + where, args, nil
}

// join is one rendered lateral join.
type join struct {
	path  string
	alias string
	outer bool
}

// sqlRenderer turns a pipeline into a single SELECT producing one jsonb
// document per result row. Lookups become LATERAL subqueries; each lookup
// must be followed by an Unwind of the same path, the Unwind deciding
// between an inner join (records without a match are dropped) and a left
// join (PreserveEmpty).
type sqlRenderer struct {
	args  argList
	joins []join
}

// SQL renders the pipeline for PostgreSQL. The query returns a single
// jsonb column shaped like the final Project stage.
func (p *Pipeline) SQL() (string, []any, error) {
	r := &sqlRenderer{}
	return r.render(p)
}

func (r *sqlRenderer) render(p *Pipeline) (string, []any, error) {
	stages := p.Stages

	// Stages before the first lookup run on the root collection alone.
	var (
		baseWhere []string
		baseSort  []SortKey
		baseSkip  *int64
		baseLimit *int64
	)
	i := 0
base:
	for ; i < len(stages); i++ {
		switch st := stages[i].(type) {
		case Match:
			if baseSort != nil || baseSkip != nil || baseLimit != nil {
				return "", nil, unsupported("match after sort/skip/limit on the root collection")
			}
			if len(st.Filter) > 0 {
				baseWhere = append(baseWhere, filterSQL(st.Filter, "", &r.args))
			}
		case Sort:
			if baseSkip != nil || baseLimit != nil {
				return "", nil, unsupported("sort after skip/limit on the root collection")
			}
			baseSort = st.Keys
		case Skip:
			if baseLimit != nil {
				return "", nil, unsupported("skip after limit on the root collection")
			}
			n := st.N
			baseSkip = &n
		case Limit:
			n := st.N
			baseLimit = &n
		default:
			break base
		}
	}

	baseSQL := "SELECT * FROM " + ident(p.Collection)
	if len(baseWhere) > 0 {
		baseSQL += " WHERE " + strings.Join(baseWhere, " AND ")
	}
	if len(baseSort) > 0 {
		baseSQL += " ORDER BY " + orderSQL(baseSort, "")
	}
	if baseSkip != nil {
		baseSQL += " OFFSET " + r.args.add(*baseSkip)
	}
	if baseLimit != nil {
		baseSQL += " LIMIT " + r.args.add(*baseLimit)
	}

	var (
		joinSQL    []string
		outerWhere []string
		outerSort  []SortKey
		outerSkip  *int64
		outerLimit *int64
		project    *Project
	)

	for ; i < len(stages); i++ {
		if project != nil {
			return "", nil, unsupported("stages after project")
		}
		switch st := stages[i].(type) {
		case Lookup:
			var unwind Unwind
			if i+1 < len(stages) {
				unwind, _ = stages[i+1].(Unwind)
			}
			if unwind.Path != st.As {
				return "", nil, unsupported("lookup %q must be followed by its unwind", st.As)
			}
			rendered, err := r.lookupSQL(st, "", unwind.PreserveEmpty)
			if err != nil {
				return "", nil, err
			}
			joinSQL = append(joinSQL, rendered...)
			i++
		case Match:
			for _, pr := range st.Filter {
				col, err := r.resolve(pr.Field)
				if err != nil {
					return "", nil, err
				}
				outerWhere = append(outerWhere, predicateSQL(pr, col, &r.args))
			}
		case Sort:
			outerSort = st.Keys
		case Skip:
			n := st.N
			outerSkip = &n
		case Limit:
			n := st.N
			outerLimit = &n
		case Project:
			s := st
			project = &s
		case Unwind:
			return "", nil, unsupported("unwind %q without lookup", st.Path)
		default:
			return "", nil, unsupported("stage %T", st)
		}
	}

	if project == nil {
		return "", nil, unsupported("pipeline must end with a project stage")
	}

	doc, err := r.projectSQL(project.Fields)
	if err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(doc)
	sb.WriteString(" AS doc FROM (")
	sb.WriteString(baseSQL)
	sb.WriteString(") AS ")
	sb.WriteString(rootAlias)
	for _, j := range joinSQL {
		sb.WriteString(" ")
		sb.WriteString(j)
	}
	if len(outerWhere) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(outerWhere, " AND "))
	}

	// Row order of the derived table is not guaranteed to survive the
	// joins, so the root ordering is repeated on the outer query.
	order := outerSort
	if order == nil {
		order = baseSort
	}
	if len(order) > 0 {
		cols := make([]string, 0, len(order))
		for _, k := range order {
			col, err := r.resolve(k.Field)
			if err != nil {
				return "", nil, err
			}
			if k.Desc {
				col += " DESC"
			}
			cols = append(cols, col)
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(cols, ", "))
	}
	if outerSkip != nil {
		sb.WriteString(" OFFSET ")
		sb.WriteString(r.args.add(*outerSkip))
	}
	if outerLimit != nil {
		sb.WriteString(" LIMIT ")
		sb.WriteString(r.args.add(*outerLimit))
	}

	return sb.String(), r.args, nil
}

func orderSQL(keys []SortKey, alias string) string {
	cols := make([]string, 0, len(keys))
	for _, k := range keys {
		col := column(alias, k.Field)
		if k.Desc {
			col += " DESC"
		}
		cols = append(cols, col)
	}
	return strings.Join(cols, ", ")
}

// lookupSQL renders l joined below parent ("" for the root record) and any
// lookups nested in its pipeline.
func (r *sqlRenderer) lookupSQL(l Lookup, parent string, outer bool) ([]string, error) {
	path := l.As
	if parent != "" {
		path = parent + "." + l.As
	}
	alias := ident("j_" + strings.ReplaceAll(path, ".", "_"))

	qualify := func(field string) string {
		if parent == "" {
			return field
		}
		return parent + "." + field
	}

	var conds []string
	if l.LocalField != "" {
		local, err := r.resolve(qualify(l.LocalField))
		if err != nil {
			return nil, err
		}
		conds = append(conds, column("s", l.ForeignField)+" = "+local)
	}
	for _, c := range l.On {
		var ref string
		if c.Ref.IsField() {
			col, err := r.resolve(qualify(c.Ref.Field()))
			if err != nil {
				return nil, err
			}
			ref = col
		} else {
			ref = r.args.add(c.Ref.Value())
		}
		conds = append(conds, column("s", c.Field)+" = "+ref)
	}

	// Filters of the nested pipeline restrict the joined collection itself;
	// nested lookups are rendered as joins following this one.
	var nested []Lookup
	var nestedUnwinds = map[string]Unwind{}
	for _, s := range l.Pipeline {
		switch st := s.(type) {
		case Match:
			if len(st.Filter) > 0 {
				conds = append(conds, filterSQL(st.Filter, "s", &r.args))
			}
		case Lookup:
			nested = append(nested, st)
		case Unwind:
			nestedUnwinds[st.Path] = st
		default:
			return nil, unsupported("stage %T inside lookup %q", st, l.As)
		}
	}

	sub := "SELECT s.* FROM " + ident(l.From) + " AS s"
	if len(conds) > 0 {
		sub += " WHERE " + strings.Join(conds, " AND ")
	}

	kind := "JOIN LATERAL"
	if outer {
		kind = "LEFT JOIN LATERAL"
	}
	out := []string{kind + " (" + sub + ") AS " + alias + " ON true"}
	r.joins = append(r.joins, join{path: path, alias: alias, outer: outer})

	for _, n := range nested {
		u, ok := nestedUnwinds[n.As]
		if !ok {
			return nil, unsupported("lookup %q must be followed by its unwind", n.As)
		}
		if outer && !u.PreserveEmpty {
			return nil, unsupported("inner unwind %q below a preserving one", n.As)
		}
		rendered, err := r.lookupSQL(n, path, u.PreserveEmpty)
		if err != nil {
			return nil, err
		}
		out = append(out, rendered...)
	}
	return out, nil
}

// resolve maps a field path of the composite record to a qualified column.
func (r *sqlRenderer) resolve(path string) (string, error) {
	var best *join
	for i := range r.joins {
		j := &r.joins[i]
		if strings.HasPrefix(path, j.path+".") && (best == nil || len(j.path) > len(best.path)) {
			best = j
		}
	}
	if best == nil {
		if strings.Contains(path, ".") {
			return "", unsupported("field %q does not belong to a joined record", path)
		}
		return column(rootAlias, path), nil
	}
	rest := strings.TrimPrefix(path, best.path+".")
	if strings.Contains(rest, ".") {
		return "", unsupported("field %q does not belong to a joined record", path)
	}
	return column(best.alias, rest), nil
}

// projectNode is a level of the projected document.
type projectNode struct {
	path     string
	leaves   []string
	children map[string]*projectNode
	order    []string
}

func (r *sqlRenderer) projectSQL(fields []string) (string, error) {
	root := &projectNode{children: map[string]*projectNode{}}
	for _, f := range fields {
		parts := strings.Split(f, ".")
		node := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := node.children[part]
			if !ok {
				childPath := part
				if node.path != "" {
					childPath = node.path + "." + part
				}
				child = &projectNode{path: childPath, children: map[string]*projectNode{}}
				node.children[part] = child
				node.order = append(node.order, part)
			}
			node = child
		}
		node.leaves = append(node.leaves, parts[len(parts)-1])
		node.order = append(node.order, parts[len(parts)-1])
	}
	return r.nodeSQL(root)
}

func (r *sqlRenderer) nodeSQL(n *projectNode) (string, error) {
	seen := map[string]bool{}
	var pairs []string
	for _, key := range n.order {
		if seen[key] {
			continue
		}
		seen[key] = true

		var expr string
		if child, ok := n.children[key]; ok {
			sub, err := r.nodeSQL(child)
			if err != nil {
				return "", err
			}
			expr = sub
		} else {
			path := key
			if n.path != "" {
				path = n.path + "." + key
			}
			col, err := r.resolve(path)
			if err != nil {
				return "", err
			}
			expr = col
		}
		pairs = append(pairs, "'"+key+"', "+expr)
	}

	obj := "jsonb_build_object(" + strings.Join(pairs, ", ") + ")"
	if j := r.joinAt(n.path); j != nil && j.outer {
		// An unmatched left join yields a null object rather than an object
		// of nulls, matching an absent field after a preserving unwind.
		obj = "CASE WHEN " + j.alias + " IS NULL THEN NULL ELSE " + obj + " END"
	}
	return obj, nil
}

func (r *sqlRenderer) joinAt(path string) *join {
	if path == "" {
		return nil
	}
	for i := range r.joins {
		if r.joins[i].path == path {
			return &r.joins[i]
		}
	}
	return nil
}
